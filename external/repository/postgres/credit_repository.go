package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetingbots/orchestrator/internal/repository"
)

// CreditRepository stores Organization.credits as a Postgres NUMERIC
// column, round-tripped through apd.Decimal via its string form —
// NUMERIC has no binary pgx codec for apd, so text is the correct
// boundary (mirrors how the teacher's repository scans every other
// column through its Go zero value rather than a custom codec).
type CreditRepository struct {
	pool *pgxpool.Pool
}

func NewCreditRepository(pool *pgxpool.Pool) *CreditRepository {
	return &CreditRepository{pool: pool}
}

func (r *CreditRepository) GetBalance(ctx context.Context, orgID string) (*apd.Decimal, error) {
	var s string
	err := r.pool.QueryRow(ctx, `SELECT credits::text FROM organizations WHERE id = $1`, orgID).Scan(&s)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get balance for organization %s: %w", orgID, err)
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse credit balance: %w", err)
	}
	return d, nil
}

// Debit subtracts amount from the organization's balance and reports
// whether the new balance crossed below low_credit_threshold, all in
// one round trip so the crossing check can never race a concurrent
// debit.
func (r *CreditRepository) Debit(ctx context.Context, orgID string, amount *apd.Decimal) (*apd.Decimal, bool, error) {
	return debitBalance(ctx, r.pool, orgID, amount)
}

// querier is the subset of pgxpool.Pool and pgx.Tx that a QueryRow
// call needs, so debitBalance can run against either a bare pool
// connection or a caller-managed transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// debitBalance is the Debit logic, factored out so BotRepository can
// run the exact same statement inside its own Transition transaction
// (spec.md §8's "credits use the same transaction as the terminal
// transition") instead of duplicating the SQL.
func debitBalance(ctx context.Context, q querier, orgID string, amount *apd.Decimal) (*apd.Decimal, bool, error) {
	var newBalanceStr string
	var crossed bool
	err := q.QueryRow(ctx,
		`WITH before AS (
			SELECT credits, low_credit_threshold FROM organizations WHERE id = $2 FOR UPDATE
		 ), after AS (
			UPDATE organizations SET credits = credits - $1::numeric WHERE id = $2
			RETURNING credits, low_credit_threshold
		 )
		 SELECT after.credits::text, (before.credits > before.low_credit_threshold AND after.credits <= after.low_credit_threshold)
		 FROM before, after`,
		amount.String(), orgID,
	).Scan(&newBalanceStr, &crossed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, repository.ErrNotFound
		}
		return nil, false, fmt.Errorf("debit organization %s: %w", orgID, err)
	}
	newBalance, _, err := apd.NewFromString(newBalanceStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse new credit balance: %w", err)
	}
	return newBalance, crossed, nil
}

func (r *CreditRepository) RefusesLaunch(ctx context.Context, orgID string, allowNegative bool) (bool, error) {
	if allowNegative {
		return false, nil
	}
	var refuses bool
	err := r.pool.QueryRow(ctx, `SELECT credits <= 0 FROM organizations WHERE id = $1`, orgID).Scan(&refuses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, repository.ErrNotFound
		}
		return false, fmt.Errorf("check launch eligibility for organization %s: %w", orgID, err)
	}
	return refuses, nil
}
