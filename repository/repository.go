// Package repository provides the data access layer for deployment history.
package repository

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/deploybot/deploybot/db"
	"github.com/deploybot/deploybot/domain"
)

// DefaultListLimit bounds List when no limit is given
const DefaultListLimit = 50

type HistoryRepository interface {
	Record(ctx context.Context, entry *domain.HistoryEntry) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.HistoryEntry, error)
	List(ctx context.Context, target string, limit int) ([]*domain.HistoryEntry, error)
}

type historyRepository struct {
	db     *gorm.DB
	mapper *HistoryMapper
}

func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &historyRepository{
		db:     db,
		mapper: &HistoryMapper{},
	}
}

func (r *historyRepository) Record(ctx context.Context, entry *domain.HistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	m := r.mapper.ToModel(entry)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "record_history",
			"deployment_id", entry.ID,
			"target", entry.Target,
			"error", err)
		return err // Pass through as-is
	}

	// GORM fills CreatedAt when it was zero
	entry.CreatedAt = m.CreatedAt
	return nil
}

func (r *historyRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.HistoryEntry, error) {
	var m db.HistoryModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return r.mapper.ToDomain(&m), nil
}

// List returns the most recent entries first, optionally restricted to one
// target
func (r *historyRepository) List(ctx context.Context, target string, limit int) ([]*domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if target != "" {
		query = query.Where("target = ?", target)
	}

	var models []db.HistoryModel
	if err := query.Find(&models).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "list_history",
			"target", target,
			"error", err)
		return nil, err
	}

	entries := make([]*domain.HistoryEntry, len(models))
	for i := range models {
		entries[i] = r.mapper.ToDomain(&models[i])
	}
	return entries, nil
}
