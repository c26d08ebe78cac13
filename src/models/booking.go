package models

import (
	"gbs/src/types"
	"time"
)

type Booking struct {
	ID            uint   `gorm:"primarykey" json:"id"`
	BookingNumber string `gorm:"uniqueIndex;size:32" json:"booking_number"`

	// Remote slot reference plus a denormalized display snapshot taken at
	// creation time. The snapshot is a cache, never a source of truth.
	GameTimeSlotID uint      `json:"game_time_slot_id"`
	GameID         uint      `json:"game_id"`
	GameName       string    `json:"game_name,omitempty"`
	GameCode       string    `json:"game_code,omitempty"`
	CourseCode     string    `json:"course_code,omitempty"`
	Location       string    `json:"location,omitempty"`
	SlotDate       time.Time `json:"slot_date"`
	SlotStartTime  string    `json:"slot_start_time,omitempty"`

	PartySize    uint8  `json:"party_size"`
	ContactName  string `json:"contact_name,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`

	// Minor currency units.
	UnitPrice  int64 `json:"unit_price"`
	ServiceFee int64 `json:"service_fee"`
	TotalPrice int64 `json:"total_price"`

	Status         types.BookingStatus `gorm:"size:16;index" json:"status"`
	// Uniqueness of the key is enforced by the idempotency_keys table, whose
	// rows expire; a unique index here would outlive the key's TTL.
	IdempotencyKey string              `gorm:"index;size:128" json:"-"`
	SagaFailReason *string             `json:"saga_fail_reason,omitempty"`
	UserID         uint                `gorm:"index" json:"user_id"`

	History []*BookingHistory `json:"history,omitempty"`

	types.Timestamps
}
