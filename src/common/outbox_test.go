package common

import (
	"context"
	"errors"
	"gbs/src/db"
	"gbs/src/models"
	"gbs/src/types"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestNeedsReply(t *testing.T) {
	assert.True(t, NeedsReply(types.TOPIC_SLOT_RESERVE))
	assert.False(t, NeedsReply(types.TOPIC_SLOT_RELEASE))
	assert.False(t, NeedsReply(types.TOPIC_BOOKING_CONFIRMED))
	assert.False(t, NeedsReply(types.TOPIC_BOOKING_CANCELLED))
}

func TestClaimPendingOutboxEvents(t *testing.T) {
	conn, mock := newMockDB()

	rows := sqlmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "event_type", "payload", "status", "retry_count"}).
		AddRow(1, "Booking", 10, types.TOPIC_SLOT_RESERVE, []byte(`{"bookingId":10}`), string(types.OUTBOX_PENDING), 0).
		AddRow(2, "Booking", 11, types.TOPIC_SLOT_RELEASE, []byte(`{"resourceId":4}`), string(types.OUTBOX_PENDING), 1)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "outbox_events" (.+)FOR UPDATE SKIP LOCKED`).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE "outbox_events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	claimed, err := ClaimPendingOutboxEvents(conn, 50, 5)
	assert.Nil(t, err)
	assert.Len(t, claimed, 2)
	assert.Equal(t, uint(1), claimed[0].ID)
	assert.Equal(t, types.TOPIC_SLOT_RESERVE, claimed[0].EventType)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestClaimPendingOutboxEventsEmpty(t *testing.T) {
	conn, mock := newMockDB()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "outbox_events" (.+)FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	claimed, err := ClaimPendingOutboxEvents(conn, 50, 5)
	assert.Nil(t, err)
	assert.Len(t, claimed, 0)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestRequeueStaleOutboxEvents(t *testing.T) {
	conn, mock := newMockDB()

	mock.ExpectExec(`UPDATE "outbox_events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	RequeueStaleOutboxEvents(conn)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestDispatchRecoversCrashedClaim(t *testing.T) {
	conn, mock := newMockDB()
	db.NewDB(conn)

	origProduce := produceMessage
	defer func() { produceMessage = origProduce }()
	var producedTopic string
	produceMessage = func(topic string, payload map[string]any) error {
		producedTopic = topic
		return nil
	}

	// A previous dispatcher died after committing its claim, leaving the row
	// in PROCESSING. The cycle first turns stale claims back into PENDING,
	// then claims and sends the row like any other event.
	mock.ExpectExec(`UPDATE "outbox_events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM "outbox_events" (.+)FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "event_type", "payload", "status", "retry_count"}).
			AddRow(9, "Booking", 12, types.TOPIC_SLOT_RELEASE, []byte(`{"resourceId":4}`), string(types.OUTBOX_PENDING), 1))
	mock.ExpectExec(`UPDATE "outbox_events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "outbox_events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	DispatchOutboxEvents()
	assert.Equal(t, types.TOPIC_SLOT_RELEASE, producedTopic)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestSendOutboxEventFireAndForget(t *testing.T) {
	origProduce, origReply := produceMessage, requestReply
	defer func() { produceMessage, requestReply = origProduce, origReply }()

	var producedTopic string
	produceMessage = func(topic string, payload map[string]any) error {
		producedTopic = topic
		return nil
	}
	requestReply = func(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
		t.Fatal("fire-and-forget event must not use request/reply")
		return nil, nil
	}

	event := models.OutboxEvent{ID: 1, EventType: types.TOPIC_SLOT_RELEASE, Payload: types.JSONB{"resourceId": 4}}
	err := sendOutboxEvent(&event)
	assert.Nil(t, err)
	assert.Equal(t, types.TOPIC_SLOT_RELEASE, producedTopic)
}

func TestSendOutboxEventRequestReplyRetries(t *testing.T) {
	origProduce, origReply := produceMessage, requestReply
	defer func() { produceMessage, requestReply = origProduce, origReply }()

	produceMessage = func(topic string, payload map[string]any) error {
		t.Fatal("reserve event must use request/reply")
		return nil
	}
	attempts := 0
	requestReply = func(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("broker unreachable")
		}
		return map[string]any{"ok": true}, nil
	}

	event := models.OutboxEvent{ID: 1, EventType: types.TOPIC_SLOT_RESERVE, Payload: types.JSONB{"bookingId": 10}}
	err := sendOutboxEvent(&event)
	assert.Nil(t, err)
	assert.Equal(t, 2, attempts)
}

func TestSendOutboxEventRequestReplyExhausted(t *testing.T) {
	origProduce, origReply := produceMessage, requestReply
	defer func() { produceMessage, requestReply = origProduce, origReply }()

	requestReply = func(ctx context.Context, topic string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
		return nil, errors.New("no reply within timeout")
	}

	event := models.OutboxEvent{ID: 1, EventType: types.TOPIC_SLOT_RESERVE, Payload: types.JSONB{"bookingId": 10}}
	err := sendOutboxEvent(&event)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "no reply")
}

func TestRecordOutboxOutcomeSuccess(t *testing.T) {
	conn, mock := newMockDB()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "outbox_events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	event := models.OutboxEvent{ID: 1, EventType: types.TOPIC_SLOT_RESERVE}
	err := recordOutboxOutcome(conn, &event, nil)
	assert.Nil(t, err)
	assert.Nil(t, mock.ExpectationsWereMet())
}

func TestRecordOutboxOutcomeFailure(t *testing.T) {
	conn, mock := newMockDB()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "outbox_events" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	event := models.OutboxEvent{ID: 1, EventType: types.TOPIC_SLOT_RESERVE, RetryCount: 0}
	err := recordOutboxOutcome(conn, &event, errors.New("broker unreachable"))
	assert.Nil(t, err)
	assert.Nil(t, mock.ExpectationsWereMet())
}
