package models

import (
	"gbs/src/types"
	"time"
)

// OutboxEvent records a side effect the aggregate committed to perform. It is
// only ever created inside the same transaction as the aggregate write it
// accompanies; the dispatcher picks it up asynchronously.
type OutboxEvent struct {
	ID            uint               `gorm:"primarykey" json:"id"`
	AggregateType string             `gorm:"size:32" json:"aggregate_type"`
	AggregateID   uint               `gorm:"index" json:"aggregate_id"`
	EventType     string             `gorm:"size:64" json:"event_type"`
	Payload       types.JSONB        `gorm:"type:jsonb" json:"payload"`
	Status        types.OutboxStatus `gorm:"size:16;index;default:'PENDING'" json:"status"`
	RetryCount    uint               `json:"retry_count"`
	LastError     *string            `json:"last_error,omitempty"`
	ProcessedAt   *time.Time         `json:"processed_at,omitempty"`

	types.Timestamps
}
