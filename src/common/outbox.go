package common

import (
	"context"
	"gbs/src/config"
	"gbs/src/db"
	"gbs/src/lib"
	"gbs/src/models"
	"gbs/src/types"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Seams for tests; production wiring stays on the kafka helpers.
var (
	produceMessage = lib.KafkaProduceMessage
	requestReply   = lib.KafkaRequestReply
	startConsumer  = lib.KafkaConsumeTopics
)

// NeedsReply classifies an outbox event kind. Reservation requests must be
// acknowledged synchronously by the slot service; everything else is
// fire-and-forget.
func NeedsReply(eventType string) bool {
	return eventType == types.TOPIC_SLOT_RESERVE
}

// ClaimPendingOutboxEvents selects a bounded batch of PENDING events below
// the retry ceiling and flips them to PROCESSING. The SKIP LOCKED read keeps
// concurrent dispatcher instances from claiming the same rows, which is what
// makes the dispatcher safe to scale out.
func ClaimPendingOutboxEvents(conn *gorm.DB, batchSize int, maxRetries uint) ([]models.OutboxEvent, error) {
	var claimed []models.OutboxEvent
	err := conn.Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", types.OUTBOX_PENDING).
			Where("retry_count < ?", maxRetries).
			Order("id asc").
			Limit(batchSize).
			Find(&claimed).
			Error
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(claimed))
		for _, ev := range claimed {
			ids = append(ids, ev.ID)
		}
		return tx.
			Model(&models.OutboxEvent{}).
			Where("id IN ?", ids).
			Update("status", types.OUTBOX_PROCESSING).
			Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequeueStaleOutboxEvents returns claims whose dispatcher died between the
// claim commit and the send. PROCESSING rows older than the staleness
// threshold become PENDING again and a later cycle re-claims them, which is
// what keeps delivery at-least-once across dispatcher crashes.
func RequeueStaleOutboxEvents(conn *gorm.DB) {
	cutoff := time.Now().UTC().Add(-config.OutboxProcessingTimeout())
	result := conn.
		Model(&models.OutboxEvent{}).
		Where("status = ?", types.OUTBOX_PROCESSING).
		Where("updated_at < ?", cutoff).
		Update("status", types.OUTBOX_PENDING)
	if result.Error != nil {
		log.Printf("[outbox] Error requeueing stale claims: %s\n", result.Error.Error())
		return
	}
	if result.RowsAffected > 0 {
		log.Printf("[outbox] Requeued %d stale claims\n", result.RowsAffected)
	}
}

// DispatchOutboxEvents runs one dispatcher cycle: requeue stale claims,
// claim, send, record. The guarantee is at-least-once per committed
// aggregate write; the reconciler and the slot service absorb duplicate
// deliveries.
func DispatchOutboxEvents() {
	conn := db.GetDb()
	RequeueStaleOutboxEvents(conn)
	claimed, err := ClaimPendingOutboxEvents(conn, config.OutboxBatchSize(), config.OutboxMaxRetries())
	if err != nil {
		log.Printf("[outbox] Error claiming events: %s\n", err.Error())
		return
	}
	for _, event := range claimed {
		sendErr := sendOutboxEvent(&event)
		if err := recordOutboxOutcome(conn, &event, sendErr); err != nil {
			log.Printf("[outbox] Error recording outcome for event %d: %s\n", event.ID, err.Error())
		}
	}
}

func sendOutboxEvent(event *models.OutboxEvent) error {
	if !NeedsReply(event.EventType) {
		return produceMessage(event.EventType, event.Payload)
	}
	// Request/reply with a small fixed transport retry. A reply means the
	// slot service has taken ownership; the saga outcome arrives later on
	// its callback topics.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		reply, err := requestReply(context.Background(), event.EventType, event.Payload, config.DispatchReplyTimeout())
		if err == nil {
			if ok, has := reply["ok"].(bool); has && !ok {
				log.Printf("[outbox] Event %d acknowledged with ok=false: %v\n", event.ID, reply)
			}
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func recordOutboxOutcome(conn *gorm.DB, event *models.OutboxEvent, sendErr error) error {
	return conn.Transaction(func(tx *gorm.DB) error {
		if sendErr == nil {
			now := time.Now().UTC()
			return tx.
				Model(&models.OutboxEvent{}).
				Where(&models.OutboxEvent{ID: event.ID}).
				Updates(map[string]any{
					"status":       types.OUTBOX_SENT,
					"processed_at": now,
				}).
				Error
		}
		retries := event.RetryCount + 1
		status := types.OUTBOX_PENDING
		if retries >= config.OutboxMaxRetries() {
			status = types.OUTBOX_FAILED
			log.Printf("[outbox] Event %d exhausted retries, parking as FAILED: %s\n", event.ID, sendErr.Error())
		}
		msg := sendErr.Error()
		return tx.
			Model(&models.OutboxEvent{}).
			Where(&models.OutboxEvent{ID: event.ID}).
			Updates(map[string]any{
				"status":      status,
				"retry_count": retries,
				"last_error":  msg,
			}).
			Error
	})
}

// PurgeSentOutboxEvents deletes SENT events older than the retention window
// to bound table growth.
func PurgeSentOutboxEvents() {
	conn := db.GetDb()
	cutoff := time.Now().UTC().Add(-config.OutboxRetention())
	result := conn.
		Unscoped().
		Where("status = ?", types.OUTBOX_SENT).
		Where("processed_at < ?", cutoff).
		Delete(&models.OutboxEvent{})
	if result.Error != nil {
		log.Printf("[outbox] Error purging sent events: %s\n", result.Error.Error())
		return
	}
	if result.RowsAffected > 0 {
		log.Printf("[outbox] Purged %d sent events older than %s\n", result.RowsAffected, cutoff.Format(time.RFC3339))
	}
}
