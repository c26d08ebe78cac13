package common

import (
	"encoding/json"
	"errors"
	"gbs/src/db"
	"gbs/src/models"
	"gbs/src/types"
	"gbs/src/utils"
	"log"

	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

// StartSagaConsumer subscribes to the slot service's callback topics and
// drives the terminal booking transitions. All handlers are idempotent:
// duplicate or out-of-order deliveries degrade to logged no-ops through the
// guarded transition.
func StartSagaConsumer() {
	topics := []string{
		types.TOPIC_SLOT_RESERVED,
		types.TOPIC_SLOT_RESERVE_FAILED,
		types.TOPIC_SLOT_RELEASED,
	}
	startConsumer("gbs-saga", topics, HandleSagaEvent)
}

func HandleSagaEvent(topic string, value []byte) {
	if !gjson.ValidBytes(value) {
		log.Printf("[saga] Received invalid json on %s. Aborting\n", topic)
		return
	}
	switch topic {
	case types.TOPIC_SLOT_RESERVED:
		HandleSlotReserved(value)
	case types.TOPIC_SLOT_RESERVE_FAILED:
		HandleSlotReserveFailed(value)
	case types.TOPIC_SLOT_RELEASED:
		HandleSlotReleased(value)
	default:
		log.Printf("[saga] No handler for topic %s\n", topic)
	}
}

// HandleSlotReserved confirms a PENDING booking: status, the
// SLOT_RESERVED/CONFIRMED history pair and the cache counters move in one
// transaction, then a best-effort notification goes out.
func HandleSlotReserved(value []byte) {
	bookingId := uint(gjson.GetBytes(value, "bookingId").Uint())
	quantity := uint8(gjson.GetBytes(value, "quantity").Uint())
	resourceId := uint(gjson.GetBytes(value, "resourceId").Uint())
	if bookingId == 0 {
		log.Printf("[saga] %s without bookingId. Aborting\n", types.TOPIC_SLOT_RESERVED)
		return
	}
	conn := db.GetDb()
	applied := false
	var booking models.Booking
	err := conn.Transaction(func(tx *gorm.DB) error {
		ok, err := utils.ApplyTransition(tx, bookingId, types.BOOKING_PENDING, types.BOOKING_CONFIRMED, func(tx *gorm.DB, b *models.Booking) error {
			booking = *b
			if err := utils.AppendHistory(tx, bookingId, types.HISTORY_SLOT_RESERVED, types.JSONB{
				"resource_id": resourceId,
				"quantity":    quantity,
				"reserved_at": gjson.GetBytes(value, "reservedAt").String(),
			}, 0); err != nil {
				return err
			}
			if err := utils.AppendHistory(tx, bookingId, types.HISTORY_CONFIRMED, types.JSONB{
				"booking_number": b.BookingNumber,
			}, 0); err != nil {
				return err
			}
			return utils.TakeSlotSeats(tx, b.GameTimeSlotID, b.PartySize)
		})
		applied = ok
		return err
	})
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			log.Printf("[saga] %s for unknown booking %d\n", types.TOPIC_SLOT_RESERVED, bookingId)
			return
		}
		log.Printf("[saga] Error confirming booking %d: %s\n", bookingId, err.Error())
		return
	}
	if !applied {
		return
	}
	log.Printf("[saga] Booking %d confirmed\n", bookingId)

	go func() {
		if err := produceMessage(types.TOPIC_BOOKING_CONFIRMED, map[string]any{
			"bookingId":     booking.ID,
			"bookingNumber": booking.BookingNumber,
			"userId":        booking.UserID,
		}); err != nil {
			log.Printf("[notify] Error publishing %s for booking %d: %s\n", types.TOPIC_BOOKING_CONFIRMED, booking.ID, err.Error())
		}
	}()
}

// HandleSlotReserveFailed fails a PENDING booking with the remote reason. No
// compensating action is needed: the slot service never committed capacity.
func HandleSlotReserveFailed(value []byte) {
	bookingId := uint(gjson.GetBytes(value, "bookingId").Uint())
	reason := gjson.GetBytes(value, "reason").String()
	if bookingId == 0 {
		log.Printf("[saga] %s without bookingId. Aborting\n", types.TOPIC_SLOT_RESERVE_FAILED)
		return
	}
	if reason == "" {
		reason = "reservation rejected by slot service"
	}
	conn := db.GetDb()
	err := conn.Transaction(func(tx *gorm.DB) error {
		_, err := utils.ApplyTransition(tx, bookingId, types.BOOKING_PENDING, types.BOOKING_FAILED, func(tx *gorm.DB, b *models.Booking) error {
			b.SagaFailReason = &reason
			return utils.AppendHistory(tx, bookingId, types.HISTORY_SAGA_FAILED, types.JSONB{
				"reason": reason,
			}, 0)
		})
		return err
	})
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			log.Printf("[saga] %s for unknown booking %d\n", types.TOPIC_SLOT_RESERVE_FAILED, bookingId)
			return
		}
		log.Printf("[saga] Error failing booking %d: %s\n", bookingId, err.Error())
		return
	}
	log.Printf("[saga] Booking %d failed: %s\n", bookingId, reason)
}

// HandleSlotReleased records the remote release acknowledgment. The booking
// is already CANCELLED by the time this arrives, so there is no status
// change, only an audit row when the booking exists.
func HandleSlotReleased(value []byte) {
	bookingId := uint(gjson.GetBytes(value, "bookingId").Uint())
	if bookingId == 0 {
		return
	}
	conn := db.GetDb()
	err := conn.Transaction(func(tx *gorm.DB) error {
		var booking models.Booking
		err := tx.
			Where(&models.Booking{ID: bookingId}).
			First(&booking).
			Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[saga] %s for unknown booking %d\n", types.TOPIC_SLOT_RELEASED, bookingId)
			return nil
		} else if err != nil {
			return err
		}
		var detail types.JSONB
		if err := json.Unmarshal(value, &detail); err != nil {
			detail = types.JSONB{}
		}
		detail["event"] = types.TOPIC_SLOT_RELEASED
		return utils.AppendHistory(tx, bookingId, types.HISTORY_UPDATED, detail, 0)
	})
	if err != nil {
		log.Printf("[saga] Error recording release for booking %d: %s\n", bookingId, err.Error())
	}
}
