package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"
)

type Timestamps struct {
	CreatedAt time.Time      `gorm:"autoCreateTime:nano" json:"created_at,omitempty"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime:nano" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty,omitnil"`
}

type JSONB map[string]any

func (a JSONB) Value() (driver.Value, error) {
	valueString, err := json.Marshal(a)
	return string(valueString), err
}
func (a *JSONB) Scan(value any) error {
	b, ok := value.([]byte)
	if !ok {
		s, sok := value.(string)
		if !sok {
			return errors.New("type assertion to []byte failed")
		}
		b = []byte(s)
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	return nil
}

type BookingStatus string

const (
	BOOKING_PENDING   BookingStatus = "PENDING"
	BOOKING_CONFIRMED BookingStatus = "CONFIRMED"
	BOOKING_FAILED    BookingStatus = "FAILED"
	BOOKING_CANCELLED BookingStatus = "CANCELLED"
	BOOKING_COMPLETED BookingStatus = "COMPLETED"
)

// CanTransition reports whether moving a Booking between the two statuses
// follows the saga graph. Transitions are forward-only except the
// CONFIRMED -> CANCELLED compensating path; FAILED, CANCELLED and COMPLETED
// are terminal.
func CanTransition(from BookingStatus, to BookingStatus) bool {
	switch from {
	case BOOKING_PENDING:
		return to == BOOKING_CONFIRMED || to == BOOKING_FAILED || to == BOOKING_CANCELLED
	case BOOKING_CONFIRMED:
		return to == BOOKING_CANCELLED || to == BOOKING_COMPLETED
	default:
		return false
	}
}

type HistoryEventType string

const (
	HISTORY_SAGA_STARTED  HistoryEventType = "SAGA_STARTED"
	HISTORY_SLOT_RESERVED HistoryEventType = "SLOT_RESERVED"
	HISTORY_CONFIRMED     HistoryEventType = "CONFIRMED"
	HISTORY_SAGA_FAILED   HistoryEventType = "SAGA_FAILED"
	HISTORY_SAGA_TIMEOUT  HistoryEventType = "SAGA_TIMEOUT"
	HISTORY_CANCELLED     HistoryEventType = "CANCELLED"
	HISTORY_UPDATED       HistoryEventType = "UPDATED"
)

type OutboxStatus string

const (
	OUTBOX_PENDING    OutboxStatus = "PENDING"
	OUTBOX_PROCESSING OutboxStatus = "PROCESSING"
	OUTBOX_SENT       OutboxStatus = "SENT"
	OUTBOX_FAILED     OutboxStatus = "FAILED"
)

// Bus topics. slot.reserve and slot.release carry requests to the slot
// service; the past-tense slot.* topics are its callbacks. The game.* topics
// keep the local read cache warm.
const (
	TOPIC_SLOT_RESERVE        = "slot.reserve"
	TOPIC_SLOT_RELEASE        = "slot.release"
	TOPIC_SLOT_RESERVED       = "slot.reserved"
	TOPIC_SLOT_RESERVE_FAILED = "slot.reserve.failed"
	TOPIC_SLOT_RELEASED       = "slot.released"
	TOPIC_BOOKING_CONFIRMED   = "booking.confirmed"
	TOPIC_BOOKING_CANCELLED   = "booking.cancelled"
	TOPIC_GAME_SYNC           = "game.sync"
	TOPIC_GAME_SLOT_SYNC      = "game.slot.sync"
	TOPIC_GAME_SLOT_PULL      = "game.slot.pull"
)

type Claims struct {
	Username string `json:"username"`
	UID      string `json:"uid"`
	jwt.RegisteredClaims
}

type SimpleRequestParams struct {
	ID uint `uri:"id" binding:"required"`
}

type CreateBookingRequestBody struct {
	GameTimeSlotID uint   `json:"game_time_slot_id" binding:"required"`
	PartySize      uint8  `json:"party_size" binding:"required,min=1,max=8"`
	ContactName    string `json:"contact_name" binding:"required"`
	ContactPhone   string `json:"contact_phone" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required,min=8,max=128"`
}

type ListSlotsQuery struct {
	Date string `form:"date" binding:"omitempty,slotdate"`
}
