package boot

import (
	"gbs/src/common"
	"gbs/src/config"
	"gbs/src/db"
	"gbs/src/lib"
	"gbs/src/models"
	"gbs/src/types"
	"log"
	"time"

	"gorm.io/gorm"
)

func InitDb() *gorm.DB {
	conn := db.GetDb()

	err := conn.AutoMigrate(
		&models.Booking{},
		&models.BookingHistory{},
		&models.OutboxEvent{},
		&models.IdempotencyKey{},
		&models.GameCache{},
		&models.GameTimeSlotCache{},
	)
	if err != nil {
		log.Fatalf("error migration: %s", err.Error())
	}

	return conn
}

func InitBroker() {
	go lib.KafkaCreateTopics(
		types.TOPIC_SLOT_RESERVE,
		types.TOPIC_SLOT_RESERVE+".reply",
		types.TOPIC_SLOT_RELEASE,
		types.TOPIC_SLOT_RESERVED,
		types.TOPIC_SLOT_RESERVE_FAILED,
		types.TOPIC_SLOT_RELEASED,
		types.TOPIC_BOOKING_CONFIRMED,
		types.TOPIC_BOOKING_CANCELLED,
		types.TOPIC_GAME_SYNC,
		types.TOPIC_GAME_SLOT_SYNC,
		types.TOPIC_GAME_SLOT_PULL,
		types.TOPIC_GAME_SLOT_PULL+".reply",
	)
	go common.StartSagaConsumer()
	go common.StartCacheSyncConsumer()
}

// InitScheduler registers the periodic background work: the outbox
// dispatcher loop, the saga timeout sweep, and the daily housekeeping jobs.
func InitScheduler() {
	if _, err := lib.CreateCronJob("outbox-dispatcher", config.OutboxDispatchInterval(), common.DispatchOutboxEvents); err != nil {
		log.Printf("Error scheduling outbox dispatcher: %s\n", err.Error())
	}
	if _, err := lib.CreateCronJob("timeout-sweeper", 1*time.Minute, common.SweepTimedOutBookings); err != nil {
		log.Printf("Error scheduling timeout sweeper: %s\n", err.Error())
	}
	if _, err := lib.CreateDailyCronJob("outbox-purge", 3, common.PurgeSentOutboxEvents); err != nil {
		log.Printf("Error scheduling outbox purge: %s\n", err.Error())
	}
	if _, err := lib.CreateDailyCronJob("idempotency-purge", 3, common.PurgeExpiredIdempotencyKeys); err != nil {
		log.Printf("Error scheduling idempotency key purge: %s\n", err.Error())
	}
	if _, err := lib.CreateDailyCronJob("completion-sweeper", 4, common.SweepCompletedBookings); err != nil {
		log.Printf("Error scheduling completion sweeper: %s\n", err.Error())
	}
	lib.StartScheduler()
}
