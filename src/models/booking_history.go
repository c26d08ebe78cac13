package models

import (
	"gbs/src/types"
	"time"
)

// BookingHistory is the append-only audit log of a booking. Rows are never
// updated or deleted.
type BookingHistory struct {
	ID        uint                   `gorm:"primarykey" json:"id"`
	BookingID uint                   `gorm:"index" json:"booking_id"`
	EventType types.HistoryEventType `gorm:"size:32" json:"event_type"`
	Detail    types.JSONB            `gorm:"type:jsonb" json:"detail,omitempty"`
	ActorID   uint                   `json:"actor_id,omitempty"`
	CreatedAt time.Time              `gorm:"autoCreateTime:nano" json:"created_at"`
}
