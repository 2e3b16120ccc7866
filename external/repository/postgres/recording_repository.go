package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meetingbots/orchestrator/internal/botdomain"
	"github.com/meetingbots/orchestrator/internal/repository"
)

type RecordingRepository struct {
	pool *pgxpool.Pool
}

func NewRecordingRepository(pool *pgxpool.Pool) *RecordingRepository {
	return &RecordingRepository{pool: pool}
}

const selectRecordingColumns = `SELECT id, bot_id, participant_id, state, transcription_state, recording_type, format, storage_key, checksum, byte_size, duration_ms, frames_dropped, failure_data, created_at, updated_at`

func (r *RecordingRepository) CreateRecording(ctx context.Context, rec *botdomain.Recording) (*botdomain.Recording, error) {
	var participantID *string
	if rec.ParticipantID != "" {
		participantID = &rec.ParticipantID
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO recordings (bot_id, participant_id, state, recording_type, format)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, bot_id, participant_id, state, transcription_state, recording_type, format, storage_key, checksum, byte_size, duration_ms, frames_dropped, failure_data, created_at, updated_at`,
		rec.BotID, participantID, string(rec.State), string(rec.RecordingType), string(rec.Format),
	)
	return scanRecording(row)
}

func (r *RecordingRepository) UpdateRecording(ctx context.Context, rec *botdomain.Recording) error {
	failureJSON, err := json.Marshal(rec.FailureData)
	if err != nil {
		return fmt.Errorf("marshal recording failure data: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE recordings SET state = $1, transcription_state = $2, storage_key = $3, checksum = $4,
		 byte_size = $5, duration_ms = $6, frames_dropped = $7, failure_data = $8, updated_at = now()
		 WHERE id = $9`,
		string(rec.State), string(rec.TranscriptionState), rec.StorageKey, rec.Checksum,
		rec.ByteSize, rec.DurationMS, rec.FramesDropped, failureJSON, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update recording %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RecordingRepository) GetPrimaryRecording(ctx context.Context, botID string) (*botdomain.Recording, error) {
	row := r.pool.QueryRow(ctx, selectRecordingColumns+` FROM recordings WHERE bot_id = $1 AND participant_id IS NULL LIMIT 1`, botID)
	rec, err := scanRecording(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get primary recording for bot %s: %w", botID, err)
	}
	return rec, nil
}

func (r *RecordingRepository) IncrementFramesDropped(ctx context.Context, recordingID string, delta int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE recordings SET frames_dropped = frames_dropped + $1 WHERE id = $2`, delta, recordingID)
	if err != nil {
		return fmt.Errorf("increment frames dropped for recording %s: %w", recordingID, err)
	}
	return nil
}

func scanRecording(row pgx.Row) (*botdomain.Recording, error) {
	var rec botdomain.Recording
	var state, transcriptionState, recordingType, format string
	var participantID, storageKey, checksum *string
	var failureJSON []byte

	err := row.Scan(
		&rec.ID, &rec.BotID, &participantID, &state, &transcriptionState, &recordingType, &format,
		&storageKey, &checksum, &rec.ByteSize, &rec.DurationMS, &rec.FramesDropped, &failureJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.State = botdomain.RecordingState(state)
	rec.TranscriptionState = botdomain.TranscriptionState(transcriptionState)
	rec.RecordingType = botdomain.RecordingType(recordingType)
	rec.Format = botdomain.RecordingFormat(format)
	if participantID != nil {
		rec.ParticipantID = *participantID
	}
	if storageKey != nil {
		rec.StorageKey = *storageKey
	}
	if checksum != nil {
		rec.Checksum = *checksum
	}
	if len(failureJSON) > 0 {
		if err := json.Unmarshal(failureJSON, &rec.FailureData); err != nil {
			return nil, fmt.Errorf("unmarshal recording failure data: %w", err)
		}
	}
	return &rec, nil
}
