package repository

import (
	"github.com/deploybot/deploybot/db"
	"github.com/deploybot/deploybot/domain"
)

type HistoryMapper struct{}

func (m *HistoryMapper) ToDomain(h *db.HistoryModel) *domain.HistoryEntry {
	state, err := domain.ParseState(h.State)
	if err != nil {
		state = domain.StateError
	}

	return &domain.HistoryEntry{
		ID:          h.ID,
		Target:      h.Target,
		Tag:         domain.Tag(h.Tag),
		Requester:   h.Requester,
		Args:        h.Args,
		Forced:      h.Forced,
		State:       state,
		CancelledBy: deref(h.CancelledBy),
		Error:       deref(h.Error),
		Output:      h.Output,
		CreatedAt:   h.CreatedAt,
		FinishedAt:  h.FinishedAt,
	}
}

func (m *HistoryMapper) ToModel(e *domain.HistoryEntry) *db.HistoryModel {
	return &db.HistoryModel{
		ID:          e.ID,
		Target:      e.Target,
		Tag:         e.Tag.String(),
		Requester:   e.Requester,
		Args:        e.Args,
		Forced:      e.Forced,
		State:       e.State.String(),
		CancelledBy: optional(e.CancelledBy),
		Error:       optional(e.Error),
		Output:      e.Output,
		CreatedAt:   e.CreatedAt,
		FinishedAt:  e.FinishedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
