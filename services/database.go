package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"packager/models"
)

// JobLedger keeps an audit trail of jobs for operators. Nothing reads it back
// to decide status.
type JobLedger interface {
	RecordJob(ctx context.Context, job *models.VideoJob) error
	UpdateVideoStatus(ctx context.Context, videoID string, status models.JobStatus, masterURL string, metadata map[string]interface{}) error
	UpdateVideoError(ctx context.Context, videoID string, errorMsg string) error
}

const ledgerSchema = `
	CREATE TABLE IF NOT EXISTS video_jobs (
		video_id      TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		status        TEXT NOT NULL,
		master_url    TEXT,
		error_message TEXT,
		metadata      JSONB,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ
	)
`

type DatabaseService struct {
	db *sqlx.DB
}

func NewDatabaseService(ctx context.Context, databaseURL string) (*DatabaseService, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	return newDatabaseService(db), nil
}

func newDatabaseService(db *sqlx.DB) *DatabaseService {
	return &DatabaseService{db: db}
}

func (d *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("ledger schema: %w", err)
	}
	return nil
}

func (d *DatabaseService) RecordJob(ctx context.Context, job *models.VideoJob) error {
	const q = `
		INSERT INTO video_jobs (video_id, original_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (video_id) DO UPDATE
		SET original_name = EXCLUDED.original_name, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`
	_, err := d.db.ExecContext(ctx, q, job.VideoID, job.OriginalName, job.Status, job.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("ledger record %s: %w", job.VideoID, err)
	}
	return nil
}

func (d *DatabaseService) UpdateVideoStatus(ctx context.Context, videoID string, status models.JobStatus, masterURL string, metadata map[string]interface{}) error {
	query := `UPDATE video_jobs SET status = $1, updated_at = $2`
	args := []interface{}{status, time.Now()}
	argIndex := 3

	if status == models.StatusProcessing {
		query += fmt.Sprintf(`, started_at = $%d`, argIndex)
		args = append(args, time.Now())
		argIndex++
	}

	if status == models.StatusReady {
		query += fmt.Sprintf(`, completed_at = $%d, master_url = $%d`, argIndex, argIndex+1)
		args = append(args, time.Now(), masterURL)
		argIndex += 2

		if metadata != nil {
			metadataJSON, err := json.Marshal(metadata)
			if err != nil {
				return fmt.Errorf("ledger metadata: %w", err)
			}
			query += fmt.Sprintf(`, metadata = $%d`, argIndex)
			args = append(args, metadataJSON)
			argIndex++
		}
	}

	query += fmt.Sprintf(` WHERE video_id = $%d`, argIndex)
	args = append(args, videoID)

	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ledger status %s: %w", videoID, err)
	}
	return nil
}

func (d *DatabaseService) UpdateVideoError(ctx context.Context, videoID string, errorMsg string) error {
	query := `UPDATE video_jobs SET error_message = $1, updated_at = $2 WHERE video_id = $3`
	if _, err := d.db.ExecContext(ctx, query, errorMsg, time.Now(), videoID); err != nil {
		return fmt.Errorf("ledger error %s: %w", videoID, err)
	}
	return nil
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

// NoopLedger is used when no database is configured.
type NoopLedger struct{}

func (NoopLedger) RecordJob(context.Context, *models.VideoJob) error { return nil }

func (NoopLedger) UpdateVideoStatus(context.Context, string, models.JobStatus, string, map[string]interface{}) error {
	return nil
}

func (NoopLedger) UpdateVideoError(context.Context, string, string) error { return nil }
