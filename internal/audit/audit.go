// Package audit appends immutable audit records.
package audit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/models"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
	OutcomeQueued  = "queued"
)

// Entry describes one mutation. Diff is marshalled to JSON.
type Entry struct {
	ActorID      *uint
	Action       string
	ResourceKind string
	ResourceID   string
	Diff         any
	Outcome      string
	IP           string
}

// Actor returns a pointer for a non-zero user id, nil for system actions.
func Actor(id uint) *uint {
	if id == 0 {
		return nil
	}
	return &id
}

// Append writes e using tx, so the record commits or rolls back with the
// transition it documents.
func Append(ctx context.Context, tx *gorm.DB, e Entry) error {
	row := models.AuditLog{
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceKind: e.ResourceKind,
		ResourceID:   e.ResourceID,
		Diff:         models.JSON(e.Diff),
		Outcome:      e.Outcome,
		IP:           e.IP,
		Ts:           time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append audit %s: %w", e.Action, err)
	}
	return nil
}

type Filter struct {
	Action  string
	ActorID uint
	Limit   int
}

// List returns the newest records first.
func List(ctx context.Context, db *gorm.DB, f Filter) ([]models.AuditLog, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := db.WithContext(ctx).Order("ts DESC, id DESC").Limit(limit)
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ActorID != 0 {
		q = q.Where("actor_id = ?", f.ActorID)
	}
	var rows []models.AuditLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
