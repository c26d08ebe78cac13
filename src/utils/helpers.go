package utils

import (
	"context"
	"errors"
	"fmt"
	"gbs/src/config"
	"gbs/src/db"
	"gbs/src/lib"
	"gbs/src/models"
	"gbs/src/types"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
)

// NewBookingNumber returns an opaque, collision-resistant booking reference.
// Never sequential, so numbers cannot be enumerated or guessed.
func NewBookingNumber() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("BK%s", strings.ToUpper(raw[:16]))
}

// ComputeTotal prices a booking: unit price times party size plus a
// fixed-percentage service fee, fee rounded down to minor units.
func ComputeTotal(unitPrice int64, partySize uint8, feePercent int64) (fee int64, total int64) {
	base := unitPrice * int64(partySize)
	fee = base * feePercent / 100
	total = base + fee
	return fee, total
}

// WithinCancellationWindow reports whether the slot date is too close for
// the booking to still be cancelled. The boundary day itself is allowed.
func WithinCancellationWindow(slotDate time.Time, now time.Time, windowDays int) bool {
	cutoff := now.AddDate(0, 0, windowDays)
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return day(slotDate).Before(day(cutoff))
}

// ApplyTransition moves a booking between statuses inside tx, guarded by a
// locked re-read of the current status. Returns applied=false without error
// when the booking is no longer in the expected source state, which absorbs
// duplicate callbacks and the race between a late callback and a timeout
// sweep.
func ApplyTransition(tx *gorm.DB, bookingId uint, from types.BookingStatus, to types.BookingStatus, mutate func(tx *gorm.DB, booking *models.Booking) error) (bool, error) {
	var booking models.Booking
	err := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(&models.Booking{ID: bookingId}).
		First(&booking).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("%w: booking %d", ErrNotFound, bookingId)
		}
		return false, err
	}
	if booking.Status != from || !types.CanTransition(from, to) {
		log.Printf("[saga] Skipping %s -> %s for booking %d: current status is %s\n", from, to, bookingId, booking.Status)
		return false, nil
	}
	booking.Status = to
	if mutate != nil {
		if err := mutate(tx, &booking); err != nil {
			return false, err
		}
	}
	if err := tx.
		Model(&models.Booking{}).
		Where(&models.Booking{ID: bookingId}).
		Updates(map[string]any{
			"status":           booking.Status,
			"saga_fail_reason": booking.SagaFailReason,
		}).
		Error; err != nil {
		return false, err
	}
	return true, nil
}

// AppendHistory writes one audit row for a booking inside tx.
func AppendHistory(tx *gorm.DB, bookingId uint, eventType types.HistoryEventType, detail types.JSONB, actorId uint) error {
	row := models.BookingHistory{
		BookingID: bookingId,
		EventType: eventType,
		Detail:    detail,
		ActorID:   actorId,
	}
	return tx.Create(&row).Error
}

// ResolveSlot loads the slot and game rows from the local read cache,
// pulling both synchronously from the slot service on a cold miss so that
// only the first request pays the lookup cost.
func ResolveSlot(ctx context.Context, slotId uint) (*models.GameTimeSlotCache, *models.GameCache, error) {
	conn := db.GetDb()
	var slot models.GameTimeSlotCache
	err := conn.
		Where(&models.GameTimeSlotCache{ID: slotId}).
		First(&slot).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := pullSlotSnapshot(ctx, slotId); err != nil {
			return nil, nil, fmt.Errorf("%w: game time slot %d", ErrNotFound, slotId)
		}
		err = conn.
			Where(&models.GameTimeSlotCache{ID: slotId}).
			First(&slot).
			Error
		if err != nil {
			return nil, nil, fmt.Errorf("%w: game time slot %d", ErrNotFound, slotId)
		}
	} else if err != nil {
		return nil, nil, err
	}

	var game models.GameCache
	if !lib.GetGameSnapshot(ctx, slot.GameID, &game) {
		if err := conn.
			Where(&models.GameCache{ID: slot.GameID}).
			First(&game).
			Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil, fmt.Errorf("%w: game %d", ErrNotFound, slot.GameID)
			}
			return nil, nil, err
		}
		lib.CacheGameSnapshot(ctx, game.ID, &game)
	}
	return &slot, &game, nil
}

// pullSlotSnapshot fetches game and slot data request/reply from the slot
// service and populates both cache tables.
func pullSlotSnapshot(ctx context.Context, slotId uint) error {
	reply, err := lib.KafkaRequestReply(ctx, types.TOPIC_GAME_SLOT_PULL, map[string]any{
		"game_time_slot_id": slotId,
	}, config.DispatchReplyTimeout())
	if err != nil {
		log.Printf("[cache] Pull for slot %d failed: %s\n", slotId, err.Error())
		return err
	}
	if found, ok := reply["found"].(bool); ok && !found {
		return fmt.Errorf("%w: game time slot %d", ErrNotFound, slotId)
	}
	return UpsertSlotSnapshot(reply)
}

// UpsertSlotSnapshot writes a full game+slot snapshot into the cache tables.
// Shared by the cold-miss pull and the push-sync consumers.
func UpsertSlotSnapshot(snapshot map[string]any) error {
	conn := db.GetDb()
	return conn.Transaction(func(tx *gorm.DB) error {
		if gameAny, ok := snapshot["game"].(map[string]any); ok {
			game := models.GameCache{
				ID:       uintField(gameAny, "id"),
				Name:     stringField(gameAny, "name"),
				GameCode: stringField(gameAny, "game_code"),
				Location: stringField(gameAny, "location"),
			}
			if game.ID != 0 {
				if err := tx.
					Clauses(clause.OnConflict{
						Columns:   []clause.Column{{Name: "id"}},
						DoUpdates: clause.AssignmentColumns([]string{"name", "game_code", "location", "updated_at"}),
					}).
					Create(&game).
					Error; err != nil {
					return err
				}
			}
		}
		if slotAny, ok := snapshot["slot"].(map[string]any); ok {
			slot := models.GameTimeSlotCache{
				ID:            uintField(slotAny, "id"),
				GameID:        uintField(slotAny, "game_id"),
				CourseCode:    stringField(slotAny, "course_code"),
				StartTime:     stringField(slotAny, "start_time"),
				MaxPlayers:    uint8(uintField(slotAny, "max_players")),
				BookedPlayers: uint8(uintField(slotAny, "booked_players")),
				Available:     boolField(slotAny, "available"),
				Price:         int64Field(slotAny, "price"),
			}
			if date, err := time.Parse(config.DATE_FORMAT, stringField(slotAny, "slot_date")); err == nil {
				slot.SlotDate = date
			}
			if slot.ID != 0 {
				if err := tx.
					Clauses(clause.OnConflict{
						Columns:   []clause.Column{{Name: "id"}},
						DoUpdates: clause.AssignmentColumns([]string{"game_id", "course_code", "slot_date", "start_time", "max_players", "booked_players", "available", "price", "updated_at"}),
					}).
					Create(&slot).
					Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
func uintField(m map[string]any, key string) uint {
	v, _ := m[key].(float64)
	return uint(v)
}
func int64Field(m map[string]any, key string) int64 {
	v, _ := m[key].(float64)
	return int64(v)
}
func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// CreateBooking runs the idempotency guard, the optimistic cache validation
// and the creation transaction. The booking, its SAGA_STARTED history row,
// the slot.reserve outbox event and the idempotency key are all committed
// atomically; the remote reservation itself resolves asynchronously.
func CreateBooking(ctx context.Context, params *types.CreateBookingRequestBody, userId uint) (*models.Booking, bool, error) {
	conn := db.GetDb()

	if booking, existed, err := lookupIdempotencyKey(conn, params.IdempotencyKey); err != nil {
		return nil, false, err
	} else if existed {
		return booking, true, nil
	}

	slot, game, err := ResolveSlot(ctx, params.GameTimeSlotID)
	if err != nil {
		return nil, false, err
	}
	if !slot.Available {
		return nil, false, fmt.Errorf("%w: game time slot %d is not available", ErrValidation, slot.ID)
	}
	remaining := int(slot.MaxPlayers) - int(slot.BookedPlayers)
	if remaining < int(params.PartySize) {
		return nil, false, fmt.Errorf("%w: only %d seats left on game time slot %d", ErrValidation, remaining, slot.ID)
	}

	fee, total := ComputeTotal(slot.Price, params.PartySize, config.ServiceFeePercent())
	now := time.Now().UTC()
	booking := models.Booking{
		BookingNumber:  NewBookingNumber(),
		GameTimeSlotID: slot.ID,
		GameID:         game.ID,
		GameName:       game.Name,
		GameCode:       game.GameCode,
		CourseCode:     slot.CourseCode,
		Location:       game.Location,
		SlotDate:       slot.SlotDate,
		SlotStartTime:  slot.StartTime,
		PartySize:      params.PartySize,
		ContactName:    params.ContactName,
		ContactPhone:   params.ContactPhone,
		UnitPrice:      slot.Price,
		ServiceFee:     fee,
		TotalPrice:     total,
		Status:         types.BOOKING_PENDING,
		IdempotencyKey: params.IdempotencyKey,
		UserID:         userId,
	}
	err = conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&booking).Error; err != nil {
			return err
		}
		if err := AppendHistory(tx, booking.ID, types.HISTORY_SAGA_STARTED, types.JSONB{
			"booking_number": booking.BookingNumber,
			"slot_id":        slot.ID,
			"party_size":     params.PartySize,
		}, userId); err != nil {
			return err
		}
		outbox := models.OutboxEvent{
			AggregateType: "Booking",
			AggregateID:   booking.ID,
			EventType:     types.TOPIC_SLOT_RESERVE,
			Status:        types.OUTBOX_PENDING,
			Payload: types.JSONB{
				"bookingId":     booking.ID,
				"bookingNumber": booking.BookingNumber,
				"resourceId":    slot.ID,
				"quantity":      params.PartySize,
				"requestedAt":   now.Format(time.RFC3339),
			},
		}
		if err := tx.Create(&outbox).Error; err != nil {
			return err
		}
		// A previously used key whose TTL lapsed behaves like a new request:
		// the lookup above filtered it out, so clear the expired row before
		// taking the key again. Live rows are untouched and still conflict.
		if err := tx.
			Unscoped().
			Where("key = ?", params.IdempotencyKey).
			Where("expires_at <= ?", now).
			Delete(&models.IdempotencyKey{}).
			Error; err != nil {
			return err
		}
		key := models.IdempotencyKey{
			Key:       params.IdempotencyKey,
			BookingID: &booking.ID,
			UserID:    userId,
			ExpiresAt: now.Add(config.IdempotencyKeyTTL()),
		}
		if err := tx.Create(&key).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent request with the same key committed first, or is
			// mid-flight. Re-read rather than re-executing side effects.
			if booking, existed, lerr := lookupIdempotencyKey(conn, params.IdempotencyKey); lerr == nil && existed {
				return booking, true, nil
			}
			return nil, false, fmt.Errorf("%w: request with this idempotency key is already processing", ErrConflict)
		}
		log.Printf("CreateBooking failed: %s\n", err.Error())
		return nil, false, err
	}

	return &booking, false, nil
}

func lookupIdempotencyKey(conn *gorm.DB, key string) (*models.Booking, bool, error) {
	var record models.IdempotencyKey
	err := conn.
		Where(&models.IdempotencyKey{Key: key}).
		Where("expires_at > ?", time.Now().UTC()).
		First(&record).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if record.BookingID == nil {
		return nil, false, fmt.Errorf("%w: request with this idempotency key is already processing", ErrConflict)
	}
	var booking models.Booking
	if err := conn.
		Where(&models.Booking{ID: *record.BookingID}).
		Preload("History").
		First(&booking).
		Error; err != nil {
		return nil, false, err
	}
	return &booking, true, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}

// CancelBooking is the caller-initiated compensating path. Owner only, never
// from a terminal state, and only while the slot date is at least the
// cancellation window away. Cache counters are restored only when the
// booking had been confirmed, since PENDING bookings never incremented them.
func CancelBooking(ctx context.Context, bookingId uint, userId uint) (*models.Booking, error) {
	conn := db.GetDb()
	var booking models.Booking
	err := conn.Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(&models.Booking{ID: bookingId}).
			First(&booking).
			Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: booking %d", ErrNotFound, bookingId)
		} else if err != nil {
			return err
		}
		if booking.UserID != userId {
			return fmt.Errorf("%w: booking %d belongs to another user", ErrForbidden, bookingId)
		}
		if booking.Status == types.BOOKING_CANCELLED {
			return fmt.Errorf("%w: booking %d is already cancelled", ErrValidation, bookingId)
		}
		if !types.CanTransition(booking.Status, types.BOOKING_CANCELLED) {
			return fmt.Errorf("%w: booking %d cannot be cancelled from status %s", ErrValidation, bookingId, booking.Status)
		}
		if WithinCancellationWindow(booking.SlotDate, time.Now().UTC(), config.CancellationWindowDays()) {
			return fmt.Errorf("%w: booking %d can no longer be cancelled, slot date is less than %d days away", ErrValidation, bookingId, config.CancellationWindowDays())
		}

		wasConfirmed := booking.Status == types.BOOKING_CONFIRMED
		booking.Status = types.BOOKING_CANCELLED
		if err := tx.
			Model(&models.Booking{}).
			Where(&models.Booking{ID: bookingId}).
			Update("status", types.BOOKING_CANCELLED).
			Error; err != nil {
			return err
		}
		if err := AppendHistory(tx, bookingId, types.HISTORY_CANCELLED, types.JSONB{
			"booking_number": booking.BookingNumber,
		}, userId); err != nil {
			return err
		}
		if wasConfirmed {
			if err := ReleaseSlotSeats(tx, booking.GameTimeSlotID, booking.PartySize); err != nil {
				return err
			}
		}
		outbox := models.OutboxEvent{
			AggregateType: "Booking",
			AggregateID:   bookingId,
			EventType:     types.TOPIC_SLOT_RELEASE,
			Status:        types.OUTBOX_PENDING,
			Payload: types.JSONB{
				"resourceId": booking.GameTimeSlotID,
				"quantity":   booking.PartySize,
			},
		}
		return tx.Create(&outbox).Error
	})
	if err != nil {
		return nil, err
	}

	go func() {
		if err := lib.KafkaProduceMessage(types.TOPIC_BOOKING_CANCELLED, map[string]any{
			"bookingId":     booking.ID,
			"bookingNumber": booking.BookingNumber,
			"userId":        booking.UserID,
		}); err != nil {
			log.Printf("[notify] Error publishing %s for booking %d: %s\n", types.TOPIC_BOOKING_CANCELLED, booking.ID, err.Error())
		}
	}()

	return &booking, nil
}

// TakeSlotSeats bumps the local counters when a reservation is confirmed.
func TakeSlotSeats(tx *gorm.DB, slotId uint, seats uint8) error {
	return tx.
		Model(&models.GameTimeSlotCache{}).
		Where(&models.GameTimeSlotCache{ID: slotId}).
		Updates(map[string]any{
			"booked_players": gorm.Expr("booked_players + ?", seats),
			"available":      gorm.Expr("booked_players + ? < max_players", seats),
		}).
		Error
}

// ReleaseSlotSeats restores the local counters on cancellation.
func ReleaseSlotSeats(tx *gorm.DB, slotId uint, seats uint8) error {
	return tx.
		Model(&models.GameTimeSlotCache{}).
		Where(&models.GameTimeSlotCache{ID: slotId}).
		Updates(map[string]any{
			"booked_players": gorm.Expr("GREATEST(booked_players - ?, 0)", seats),
			"available":      true,
		}).
		Error
}

// GetOwnBookings returns the caller's bookings, newest first.
func GetOwnBookings(userId uint) ([]models.Booking, error) {
	conn := db.GetDb()
	var bookings []models.Booking
	err := conn.
		Model(&models.Booking{}).
		Where(&models.Booking{UserID: userId}).
		Order("created_at DESC").
		Limit(100).
		Find(&bookings).
		Error
	return bookings, err
}

// GetBooking returns one booking with its history, owner only.
func GetBooking(bookingId uint, userId uint) (*models.Booking, error) {
	conn := db.GetDb()
	var booking models.Booking
	err := conn.
		Model(&models.Booking{}).
		Where(&models.Booking{ID: bookingId}).
		Preload("History").
		First(&booking).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: booking %d", ErrNotFound, bookingId)
	} else if err != nil {
		return nil, err
	}
	if booking.UserID != userId {
		return nil, fmt.Errorf("%w: booking %d belongs to another user", ErrForbidden, bookingId)
	}
	return &booking, nil
}
