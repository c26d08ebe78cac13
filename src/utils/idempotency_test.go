package utils

import (
	"context"
	"errors"
	"gbs/src/db"
	"gbs/src/types"
	"log"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB() (*gorm.DB, sqlmock.Sqlmock) {
	inner, mock, err := sqlmock.New()
	if err != nil {
		log.Fatalf("An error '%s' was not expected when opening a stub database connection", err)
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 inner,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		log.Fatalf("An error '%s' was not expected when opening gorm database", err)
	}

	return gormDB, mock
}

func TestCreateBookingResolvedDuplicateReturnsOriginal(t *testing.T) {
	conn, mock := newMockDB()
	db.NewDB(conn)

	expires := time.Now().UTC().Add(12 * time.Hour)
	mock.ExpectQuery(`SELECT (.+) FROM "idempotency_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "key", "booking_id", "user_id", "expires_at"}).
			AddRow(1, "client-key-1234", 7, 3, expires))
	mock.ExpectQuery(`SELECT (.+) FROM "bookings"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_number", "game_time_slot_id", "party_size", "status", "user_id"}).
			AddRow(7, "BK0123456789ABCDEF", 4, 2, string(types.BOOKING_PENDING), 3))
	mock.ExpectQuery(`SELECT (.+) FROM "booking_histories"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "event_type"}).
			AddRow(1, 7, string(types.HISTORY_SAGA_STARTED)))

	params := &types.CreateBookingRequestBody{
		GameTimeSlotID: 4,
		PartySize:      2,
		ContactName:    "Someone",
		ContactPhone:   "010-0000-0000",
		IdempotencyKey: "client-key-1234",
	}
	booking, existed, err := CreateBooking(context.Background(), params, 3)
	assert.Nil(t, err)
	assert.True(t, existed)
	assert.Equal(t, uint(7), booking.ID)
	assert.Equal(t, types.BOOKING_PENDING, booking.Status)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestCreateBookingInFlightDuplicateConflicts(t *testing.T) {
	conn, mock := newMockDB()
	db.NewDB(conn)

	expires := time.Now().UTC().Add(12 * time.Hour)
	mock.ExpectQuery(`SELECT (.+) FROM "idempotency_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "key", "booking_id", "user_id", "expires_at"}).
			AddRow(1, "client-key-1234", nil, 3, expires))

	params := &types.CreateBookingRequestBody{
		GameTimeSlotID: 4,
		PartySize:      2,
		ContactName:    "Someone",
		ContactPhone:   "010-0000-0000",
		IdempotencyKey: "client-key-1234",
	}
	booking, existed, err := CreateBooking(context.Background(), params, 3)
	assert.Nil(t, booking)
	assert.False(t, existed)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestCreateBookingCommitsSagaRecordsAtomically(t *testing.T) {
	conn, mock := newMockDB()
	db.NewDB(conn)

	mock.ExpectQuery(`SELECT (.+) FROM "idempotency_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT (.+) FROM "game_time_slot_caches"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "game_id", "course_code", "slot_date", "start_time", "max_players", "booked_players", "available", "price"}).
			AddRow(4, 2, "A", time.Now().UTC().AddDate(0, 0, 14), "10:00", 8, 2, true, 5000))
	mock.ExpectQuery(`SELECT (.+) FROM "game_caches"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "game_code", "location"}).
			AddRow(2, "Morning Round", "GC-01", "North Course"))

	// The booking, its SAGA_STARTED history row, the slot.reserve outbox
	// event and the idempotency key all commit in one transaction.
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "bookings"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))
	mock.ExpectQuery(`INSERT INTO "booking_histories"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO "outbox_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`DELETE FROM "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO "idempotency_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	params := &types.CreateBookingRequestBody{
		GameTimeSlotID: 4,
		PartySize:      2,
		ContactName:    "Someone",
		ContactPhone:   "010-0000-0000",
		IdempotencyKey: "client-key-1234",
	}
	booking, existed, err := CreateBooking(context.Background(), params, 3)
	assert.Nil(t, err)
	assert.False(t, existed)
	assert.Equal(t, uint(21), booking.ID)
	assert.Equal(t, types.BOOKING_PENDING, booking.Status)
	assert.Equal(t, int64(1000), booking.ServiceFee)
	assert.Equal(t, int64(11000), booking.TotalPrice)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestCreateBookingReusesKeyAfterExpiry(t *testing.T) {
	conn, mock := newMockDB()
	db.NewDB(conn)

	// The stored key expired, so the lookup sees nothing and the request runs
	// as a fresh create. The leftover row is cleared inside the transaction
	// before the key is taken again, so the unique index cannot trip.
	mock.ExpectQuery(`SELECT (.+) FROM "idempotency_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT (.+) FROM "game_time_slot_caches"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "game_id", "course_code", "slot_date", "start_time", "max_players", "booked_players", "available", "price"}).
			AddRow(4, 2, "A", time.Now().UTC().AddDate(0, 0, 14), "10:00", 8, 2, true, 5000))
	mock.ExpectQuery(`SELECT (.+) FROM "game_caches"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "game_code", "location"}).
			AddRow(2, "Morning Round", "GC-01", "North Course"))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "bookings"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(22))
	mock.ExpectQuery(`INSERT INTO "booking_histories"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO "outbox_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec(`DELETE FROM "idempotency_keys"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "idempotency_keys"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	params := &types.CreateBookingRequestBody{
		GameTimeSlotID: 4,
		PartySize:      2,
		ContactName:    "Someone",
		ContactPhone:   "010-0000-0000",
		IdempotencyKey: "client-key-1234",
	}
	booking, existed, err := CreateBooking(context.Background(), params, 3)
	assert.Nil(t, err)
	assert.False(t, existed)
	assert.Equal(t, uint(22), booking.ID)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(errors.New("connection refused")))
	assert.True(t, isUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint "idx_idempotency_keys_key" (SQLSTATE 23505)`)))
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
}
