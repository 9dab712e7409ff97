package types

import (
	"context"
	"time"
)

type Record struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SetRecordRequest struct {
	Key   string   `json:"key" validate:"required"`
	Type  string   `json:"type" validate:"required"`
	Value *float64 `json:"value" validate:"required"`
}

// RecordStore persists records keyed by (key, type). Patterns use glob
// syntax: *, ? and [...].
type RecordStore interface {
	LifecycleManager
	Upsert(ctx context.Context, key, recordType string, value float64) (record *Record, created bool, err error)
	FindByKey(ctx context.Context, key string) ([]Record, error)
	List(ctx context.Context, pattern string) ([]Record, error)
	ListByType(ctx context.Context, recordType, pattern string) ([]Record, error)
	DeleteByKey(ctx context.Context, key string) (int, error)
	DeleteByID(ctx context.Context, id string) (int, error)
	Flush(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

type RecordList struct {
	Type    string   `json:"type,omitempty"`
	Records []Record `json:"records"`
	Count   int      `json:"count"`
}

type RecordResponse struct {
	Message string `json:"message"`
	Record
}

type MessageResponse struct {
	Message string `json:"message"`
}

type RecordStoreCreator func(config *RecordsConfig) (RecordStore, error)
