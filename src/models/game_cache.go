package models

import (
	"gbs/src/types"
	"time"
)

// GameCache mirrors the slot service's game catalog. Refreshed on demand and
// by inbound sync events; used for pre-flight validation and listing only.
type GameCache struct {
	ID       uint   `gorm:"primarykey" json:"id"`
	Name     string `json:"name"`
	GameCode string `gorm:"size:32" json:"game_code"`
	Location string `json:"location,omitempty"`

	Slots []*GameTimeSlotCache `gorm:"foreignKey:GameID" json:"slots,omitempty"`

	types.Timestamps
}

// GameTimeSlotCache mirrors one scheduled playing slot. BookedPlayers and
// Available are adjusted locally on confirm/cancel inside the same
// transaction as the booking transition; the slot service remains the
// authority for the final reservation decision.
type GameTimeSlotCache struct {
	ID            uint      `gorm:"primarykey" json:"id"`
	GameID        uint      `gorm:"index" json:"game_id"`
	CourseCode    string    `gorm:"size:32" json:"course_code,omitempty"`
	SlotDate      time.Time `gorm:"index" json:"slot_date"`
	StartTime     string    `gorm:"size:8" json:"start_time"`
	MaxPlayers    uint8     `json:"max_players"`
	BookedPlayers uint8     `json:"booked_players"`
	Available     bool      `json:"available"`
	Price         int64     `json:"price"`

	types.Timestamps
}
