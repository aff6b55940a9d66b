package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a result envelope that could not be published
type DeadLetter struct {
	ID         uuid.UUID `db:"id"`
	CampaignID string    `db:"campaign_id"`
	Envelope   []byte    `db:"envelope"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}
