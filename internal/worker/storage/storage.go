package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/campaign-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

const createDeadLettersTable = `
	CREATE TABLE IF NOT EXISTS result_dead_letters (
		id          UUID PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		envelope    JSONB NOT NULL,
		reason      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_result_dead_letters_campaign_id
		ON result_dead_letters (campaign_id);
`

// Storage persists results that could not be published
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the dead-letter table if it does not exist
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createDeadLettersTable); err != nil {
		return fmt.Errorf("failed to create dead-letter table: %w", err)
	}
	return nil
}

// SaveDeadLetter inserts one dead-lettered result
func (s *Storage) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	query := `
		INSERT INTO result_dead_letters (id, campaign_id, envelope, reason, created_at)
		VALUES (:id, :campaign_id, :envelope, :reason, :created_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, dl); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}

	s.logger.Info("Result dead-lettered",
		slog.String("dead_letter_id", dl.ID.String()),
		slog.String("campaign_id", dl.CampaignID),
	)

	return nil
}

// CountDeadLetters returns how many results are waiting for manual replay
func (s *Storage) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM result_dead_letters`); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}
