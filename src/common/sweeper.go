package common

import (
	"gbs/src/config"
	"gbs/src/db"
	"gbs/src/models"
	"gbs/src/types"
	"gbs/src/utils"
	"log"
	"time"

	"gorm.io/gorm"
)

const sagaTimeoutReason = "saga timeout"

// SweepTimedOutBookings forcibly fails bookings stuck in PENDING past the
// saga timeout. The deadline is purely created_at + timeout evaluated
// against the wall clock, so the sweep is a function of stored state only.
// Each booking moves in its own transaction through the guarded transition,
// so a callback landing concurrently wins or loses cleanly.
func SweepTimedOutBookings() {
	conn := db.GetDb()
	cutoff := time.Now().UTC().Add(-config.SagaTimeout())
	var ids []uint
	err := conn.
		Model(&models.Booking{}).
		Where("status = ?", types.BOOKING_PENDING).
		Where("created_at < ?", cutoff).
		Pluck("id", &ids).
		Error
	if err != nil {
		log.Printf("[sweeper] Error listing timed out bookings: %s\n", err.Error())
		return
	}
	for _, id := range ids {
		bookingId := id
		err := conn.Transaction(func(tx *gorm.DB) error {
			reason := sagaTimeoutReason
			applied, err := utils.ApplyTransition(tx, bookingId, types.BOOKING_PENDING, types.BOOKING_FAILED, func(tx *gorm.DB, b *models.Booking) error {
				b.SagaFailReason = &reason
				return utils.AppendHistory(tx, bookingId, types.HISTORY_SAGA_TIMEOUT, types.JSONB{
					"reason":  reason,
					"timeout": config.SagaTimeout().String(),
				}, 0)
			})
			if applied {
				log.Printf("[sweeper] Booking %d failed: %s\n", bookingId, reason)
			}
			return err
		})
		if err != nil {
			log.Printf("[sweeper] Error sweeping booking %d: %s\n", bookingId, err.Error())
		}
	}
}

// PurgeExpiredIdempotencyKeys deletes keys past their TTL in bulk. Expired
// rows are also cleared lazily when their key is reused; this sweep bounds
// table growth for keys that never come back.
func PurgeExpiredIdempotencyKeys() {
	conn := db.GetDb()
	result := conn.
		Unscoped().
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&models.IdempotencyKey{})
	if result.Error != nil {
		log.Printf("[sweeper] Error purging expired idempotency keys: %s\n", result.Error.Error())
		return
	}
	if result.RowsAffected > 0 {
		log.Printf("[sweeper] Purged %d expired idempotency keys\n", result.RowsAffected)
	}
}

// SweepCompletedBookings marks CONFIRMED bookings whose slot date has passed
// as COMPLETED. Forward-only housekeeping, runs daily.
func SweepCompletedBookings() {
	conn := db.GetDb()
	today := time.Now().UTC().Truncate(24 * time.Hour)
	var ids []uint
	err := conn.
		Model(&models.Booking{}).
		Where("status = ?", types.BOOKING_CONFIRMED).
		Where("slot_date < ?", today).
		Pluck("id", &ids).
		Error
	if err != nil {
		log.Printf("[sweeper] Error listing completed bookings: %s\n", err.Error())
		return
	}
	for _, id := range ids {
		bookingId := id
		err := conn.Transaction(func(tx *gorm.DB) error {
			_, err := utils.ApplyTransition(tx, bookingId, types.BOOKING_CONFIRMED, types.BOOKING_COMPLETED, func(tx *gorm.DB, b *models.Booking) error {
				return utils.AppendHistory(tx, bookingId, types.HISTORY_UPDATED, types.JSONB{
					"to": string(types.BOOKING_COMPLETED),
				}, 0)
			})
			return err
		})
		if err != nil {
			log.Printf("[sweeper] Error completing booking %d: %s\n", bookingId, err.Error())
		}
	}
}
