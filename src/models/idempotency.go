package models

import (
	"gbs/src/types"
	"time"
)

// IdempotencyKey maps a caller-supplied key to the booking it produced. The
// row is written in the booking creation transaction, so a nil BookingID can
// only be observed while the original request is still in flight.
type IdempotencyKey struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Key       string    `gorm:"uniqueIndex;size:128" json:"key"`
	BookingID *uint     `json:"booking_id,omitempty"`
	UserID    uint      `json:"user_id"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`

	types.Timestamps
}
