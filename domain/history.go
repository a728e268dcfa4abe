package domain

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is the audit record of one finished deployment
type HistoryEntry struct {
	ID          uuid.UUID `json:"id"`
	Target      string    `json:"target"`
	Tag         Tag       `json:"tag"`
	Requester   string    `json:"requester"`
	Args        string    `json:"args,omitempty"`
	Forced      bool      `json:"forced"`
	State       State     `json:"state"`
	CancelledBy string    `json:"cancelled_by,omitempty"`
	Error       string    `json:"error,omitempty"`
	Output      string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Duration returns how long the deployment took
func (h *HistoryEntry) Duration() time.Duration {
	return h.FinishedAt.Sub(h.CreatedAt)
}
