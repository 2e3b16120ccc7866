package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetingbots/orchestrator/internal/botdomain"
)

type UtteranceRepository struct {
	pool *pgxpool.Pool
}

func NewUtteranceRepository(pool *pgxpool.Pool) *UtteranceRepository {
	return &UtteranceRepository{pool: pool}
}

func (r *UtteranceRepository) InsertUtterance(ctx context.Context, u botdomain.Utterance) error {
	wordsJSON, err := json.Marshal(u.Words)
	if err != nil {
		return fmt.Errorf("marshal utterance words: %w", err)
	}
	var participantID *string
	if u.ParticipantID != "" {
		participantID = &u.ParticipantID
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO utterances (recording_id, participant_id, relative_timestamp_ms, duration_ms, transcript, words, is_final)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.RecordingID, participantID, u.RelativeTimestampMS, u.DurationMS, u.Transcript, wordsJSON, u.IsFinal,
	)
	if err != nil {
		return fmt.Errorf("insert utterance: %w", err)
	}
	return nil
}

// ListUtterances orders by relative_timestamp_ms then participant_id,
// matching the ordering invariant from spec.md §4.7/§8.
func (r *UtteranceRepository) ListUtterances(ctx context.Context, recordingID string) ([]botdomain.Utterance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, recording_id, participant_id, relative_timestamp_ms, duration_ms, transcript, words, is_final
		 FROM utterances WHERE recording_id = $1 ORDER BY relative_timestamp_ms ASC, participant_id ASC`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list utterances for recording %s: %w", recordingID, err)
	}
	defer rows.Close()

	var utterances []botdomain.Utterance
	for rows.Next() {
		var u botdomain.Utterance
		var participantID *string
		var wordsJSON []byte
		if err := rows.Scan(&u.ID, &u.RecordingID, &participantID, &u.RelativeTimestampMS, &u.DurationMS, &u.Transcript, &wordsJSON, &u.IsFinal); err != nil {
			return nil, fmt.Errorf("scan utterance: %w", err)
		}
		if participantID != nil {
			u.ParticipantID = *participantID
		}
		if len(wordsJSON) > 0 {
			if err := json.Unmarshal(wordsJSON, &u.Words); err != nil {
				return nil, fmt.Errorf("unmarshal utterance words: %w", err)
			}
		}
		utterances = append(utterances, u)
	}
	return utterances, rows.Err()
}
