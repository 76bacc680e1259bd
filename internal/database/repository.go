package database

import (
	"context"
	"time"

	"github.com/flowpbx/flowphone/internal/database/models"
)

// CallLogListFilter narrows a call log listing.
type CallLogListFilter struct {
	Direction string
	Search    string
	Limit     int
	Offset    int
}

// CallLogRepository stores completed calls.
type CallLogRepository interface {
	Create(ctx context.Context, entry *models.CallLog) error
	GetByRecordID(ctx context.Context, recordID string) (*models.CallLog, error)
	List(ctx context.Context, filter CallLogListFilter) ([]models.CallLog, int, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
