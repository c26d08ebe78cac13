package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func GetDSN() string {
	DATABASE_HOST := os.Getenv("DATABASE_HOST")
	DATABASE_PORT := os.Getenv("DATABASE_PORT")
	DATABASE_SSLMODE := os.Getenv("DATABASE_SSLMODE")
	DATABASE_TIMEZONE := os.Getenv("DATABASE_TIMEZONE")
	DATABASE_USER := os.Getenv("DATABASE_USER")
	DATABASE_PASSWORD := os.Getenv("DATABASE_PASSWORD")
	DATABASE_NAME := os.Getenv("DATABASE_NAME")
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s", DATABASE_HOST, DATABASE_USER, DATABASE_PASSWORD, DATABASE_NAME, DATABASE_PORT, DATABASE_SSLMODE, DATABASE_TIMEZONE)
	return dsn
}

const (
	TIME_PARSE_FORMAT = "2006-01-02 15:04:05 -07:00"
	DATE_FORMAT       = "2006-01-02"
)

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// ServiceFeePercent is added on top of the slot price, floored to minor units.
func ServiceFeePercent() int64 {
	return int64(envInt("SERVICE_FEE_PERCENT", 10))
}

// SagaTimeout is how long a booking may stay PENDING before the sweeper
// fails it.
func SagaTimeout() time.Duration {
	return time.Duration(envInt("SAGA_TIMEOUT_SECONDS", 60)) * time.Second
}

// OutboxDispatchInterval is the polling period of the outbox dispatcher.
func OutboxDispatchInterval() time.Duration {
	return time.Duration(envInt("OUTBOX_DISPATCH_INTERVAL_MS", 1000)) * time.Millisecond
}

// OutboxMaxRetries is the per-event retry ceiling before the row is parked
// as FAILED.
func OutboxMaxRetries() uint {
	return uint(envInt("OUTBOX_MAX_RETRIES", 5))
}

// OutboxProcessingTimeout is how long a claimed event may sit in
// PROCESSING before the dispatcher assumes the claimant crashed and
// requeues it.
func OutboxProcessingTimeout() time.Duration {
	return time.Duration(envInt("OUTBOX_PROCESSING_TIMEOUT_SECONDS", 60)) * time.Second
}

// OutboxBatchSize bounds how many events one dispatcher cycle claims.
func OutboxBatchSize() int {
	return envInt("OUTBOX_BATCH_SIZE", 50)
}

// OutboxRetention is how long SENT events are kept before the purge job
// deletes them.
func OutboxRetention() time.Duration {
	return time.Duration(envInt("OUTBOX_RETENTION_DAYS", 7)) * 24 * time.Hour
}

// DispatchReplyTimeout bounds a request/reply dispatch to the slot service.
func DispatchReplyTimeout() time.Duration {
	return time.Duration(envInt("DISPATCH_REPLY_TIMEOUT_SECONDS", 5)) * time.Second
}

// IdempotencyKeyTTL is how long a caller key maps to its original booking.
func IdempotencyKeyTTL() time.Duration {
	return time.Duration(envInt("IDEMPOTENCY_KEY_TTL_HOURS", 24)) * time.Hour
}

// CancellationWindowDays is the minimum number of days before the slot date
// a CONFIRMED booking may still be cancelled.
func CancellationWindowDays() int {
	return envInt("CANCELLATION_WINDOW_DAYS", 3)
}
