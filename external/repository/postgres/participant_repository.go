package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetingbots/orchestrator/internal/botdomain"
)

type ParticipantRepository struct {
	pool *pgxpool.Pool
}

func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

func (r *ParticipantRepository) UpsertParticipant(ctx context.Context, botID, platformUUID, fullName, userUUID string) (*botdomain.Participant, error) {
	var userUUIDPtr *string
	if userUUID != "" {
		userUUIDPtr = &userUUID
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO participants (bot_id, platform_uuid, full_name, user_uuid)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bot_id, platform_uuid) DO UPDATE SET full_name = EXCLUDED.full_name
		 RETURNING id, bot_id, platform_uuid, full_name, user_uuid, created_at`,
		botID, platformUUID, fullName, userUUIDPtr,
	)
	var p botdomain.Participant
	var uuidPtr *string
	if err := row.Scan(&p.ID, &p.BotID, &p.PlatformUUID, &p.FullName, &uuidPtr, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("upsert participant %s: %w", platformUUID, err)
	}
	if uuidPtr != nil {
		p.UserUUID = *uuidPtr
	}
	return &p, nil
}

func (r *ParticipantRepository) InsertParticipantEvent(ctx context.Context, evt botdomain.ParticipantEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO participant_events (bot_id, participant_id, event_type, relative_timestamp_ms)
		 VALUES ($1, $2, $3, $4)`,
		evt.BotID, evt.ParticipantID, string(evt.EventType), evt.RelativeTimestampMS,
	)
	if err != nil {
		return fmt.Errorf("insert participant event: %w", err)
	}
	return nil
}

func (r *ParticipantRepository) InsertChatMessage(ctx context.Context, msg botdomain.ChatMessage) error {
	var participantID *string
	if msg.ParticipantID != "" {
		participantID = &msg.ParticipantID
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_messages (bot_id, participant_id, text, relative_timestamp_ms)
		 VALUES ($1, $2, $3, $4)`,
		msg.BotID, participantID, msg.Text, msg.RelativeTimestampMS,
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (r *ParticipantRepository) ListParticipants(ctx context.Context, botID string) ([]botdomain.Participant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, bot_id, platform_uuid, full_name, user_uuid, created_at FROM participants WHERE bot_id = $1`,
		botID,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants for bot %s: %w", botID, err)
	}
	defer rows.Close()

	var participants []botdomain.Participant
	for rows.Next() {
		var p botdomain.Participant
		var uuidPtr *string
		if err := rows.Scan(&p.ID, &p.BotID, &p.PlatformUUID, &p.FullName, &uuidPtr, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if uuidPtr != nil {
			p.UserUUID = *uuidPtr
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}
