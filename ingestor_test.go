package hookrelay

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
	"github.com/overtonx/hookrelay/queue/memqueue"
	"github.com/overtonx/hookrelay/queue/sqlqueue"
	"github.com/overtonx/hookrelay/storage"
	"github.com/overtonx/hookrelay/storage/memstore"
	"github.com/overtonx/hookrelay/storage/sqlstore"
)

var ingestTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newMemIngestor(t *testing.T) (*Ingestor, *memstore.MemStore, *memqueue.MemQueue) {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.PutTenant(context.Background(), storage.Tenant{
		TenantID: "t1", APIKey: "key-1", TargetURL: "https://receiver.example/hook", SigningSecret: "whsec_1", Active: true,
	}))
	require.NoError(t, store.PutTenant(context.Background(), storage.Tenant{
		TenantID: "t2", APIKey: "key-2", TargetURL: "https://other.example/hook", SigningSecret: "whsec_2", Active: false,
	}))
	q := memqueue.New(queue.DefaultConfig())
	ingestor := NewIngestor(store, store, q, zap.NewNop(), nil, WithIngestorClock(func() time.Time { return ingestTime }))
	return ingestor, store, q
}

func TestIngestor_Ingest(t *testing.T) {
	ctx := context.Background()
	ingestor, store, q := newMemIngestor(t)

	result, err := ingestor.Ingest(ctx, IngestRequest{TenantID: "t1", Payload: []byte(`{"b":2,"a":1}`)})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^evt_[0-9a-f]{12}$`), result.EventID)
	assert.Equal(t, storage.StatusPending, result.Status)

	event, err := store.GetEvent(ctx, "t1", result.EventID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, event.Status)
	assert.Equal(t, 0, event.Attempts)
	assert.Nil(t, event.LastAttemptAt)
	assert.Equal(t, `{"a":1,"b":2}`, string(event.Payload))
	assert.Equal(t, "https://receiver.example/hook", event.TargetURL)
	assert.Equal(t, ingestTime, event.CreatedAt)
	assert.Equal(t, ingestTime.Add(365*24*time.Hour), event.ExpiresAt)

	msgs, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	in, err := queue.JSONCodec{}.Decode(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, queue.Instruction{TenantID: "t1", EventID: result.EventID}, in)
}

func TestIngestor_TargetURLIsSnapshotted(t *testing.T) {
	ctx := context.Background()
	ingestor, store, _ := newMemIngestor(t)

	result, err := ingestor.Ingest(ctx, IngestRequest{TenantID: "t1", Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, store.PutTenant(ctx, storage.Tenant{
		TenantID: "t1", APIKey: "key-1", TargetURL: "https://moved.example/hook", SigningSecret: "whsec_1", Active: true,
	}))

	event, err := store.GetEvent(ctx, "t1", result.EventID)
	require.NoError(t, err)
	assert.Equal(t, "https://receiver.example/hook", event.TargetURL)
}

func TestIngestor_Rejections(t *testing.T) {
	ctx := context.Background()
	ingestor, _, q := newMemIngestor(t)

	_, err := ingestor.Ingest(ctx, IngestRequest{TenantID: "missing", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = ingestor.Ingest(ctx, IngestRequest{TenantID: "t2", Payload: []byte(`{}`)})
	assert.ErrorIs(t, err, storage.ErrTenantInactive)

	_, err = ingestor.Ingest(ctx, IngestRequest{TenantID: "t1", Payload: []byte(`[1,2]`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ingestor.IngestForCredential(ctx, "unknown-key", []byte(`{}`))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = ingestor.IngestForCredential(ctx, "key-2", []byte(`{}`))
	assert.ErrorIs(t, err, storage.ErrTenantInactive)

	assert.Equal(t, 0, q.Len())
}

func TestIngestor_IngestForCredential(t *testing.T) {
	ctx := context.Background()
	ingestor, store, q := newMemIngestor(t)

	result, err := ingestor.IngestForCredential(ctx, "key-1", []byte(`{"x":"<y>"}`))
	require.NoError(t, err)

	event, err := store.GetEvent(ctx, "t1", result.EventID)
	require.NoError(t, err)
	assert.Equal(t, `{"x":"<y>"}`, string(event.Payload))
	assert.Equal(t, 1, q.Len())
}

func TestIngestor_DuplicateEventID(t *testing.T) {
	ctx := context.Background()
	store := new(storage.MockStore)
	q := new(queue.MockQueue)
	store.On("GetTenant", mock.Anything, "t1").Return(storage.Tenant{TenantID: "t1", TargetURL: "https://r/h", Active: true}, nil).Once()
	store.On("CreateEvent", mock.Anything, mock.Anything).Return(storage.ErrEventAlreadyExists).Once()

	ingestor := NewIngestor(store, store, q, nil, nil, WithEventIDGenerator(func() string { return "evt_fixed" }))
	_, err := ingestor.Ingest(ctx, IngestRequest{TenantID: "t1", Payload: []byte(`{}`)})

	assert.ErrorIs(t, err, storage.ErrEventAlreadyExists)
	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func newSQLIngestor(t *testing.T) (*Ingestor, sqlmock.Sqlmock) {
	t.Helper()
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := new(storage.MockStore)
	store.On("GetTenant", mock.Anything, "t1").
		Return(storage.Tenant{TenantID: "t1", TargetURL: "https://r/h", SigningSecret: "s", Active: true}, nil)

	events := sqlstore.NewSQLStore(db, zap.NewNop())
	q := sqlqueue.New(db, "dispatch", queue.DefaultConfig(), sqlqueue.WithClock(func() time.Time { return ingestTime }))
	ingestor := NewIngestor(events, store, q, zap.NewNop(), nil,
		WithIngestorTransactionManager(manager.Must(trmsql.NewDefaultFactory(db))),
		WithIngestorClock(func() time.Time { return ingestTime }),
		WithEventIDGenerator(func() string { return "evt_0123456789ab" }),
	)
	return ingestor, sqlMock
}

func TestIngestor_WritesEventAndInstructionAtomically(t *testing.T) {
	ingestor, sqlMock := newSQLIngestor(t)

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec("INSERT INTO webhook_events").
		WithArgs("t1", "evt_0123456789ab", "PENDING", []byte(`{"a":1}`), "https://r/h", 0, ingestTime, ingestTime.Add(365*24*time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectExec("INSERT INTO dispatch_messages").
		WithArgs("dispatch", []byte(`{"tenantId":"t1","eventId":"evt_0123456789ab"}`), ingestTime, ingestTime).
		WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectCommit()

	result, err := ingestor.Ingest(context.Background(), IngestRequest{TenantID: "t1", Payload: []byte(`{"a":1}`)})

	require.NoError(t, err)
	assert.Equal(t, "evt_0123456789ab", result.EventID)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestIngestor_EnqueueFailureRollsBackEvent(t *testing.T) {
	ingestor, sqlMock := newSQLIngestor(t)

	sqlMock.ExpectBegin()
	sqlMock.ExpectExec("INSERT INTO webhook_events").WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectExec("INSERT INTO dispatch_messages").WillReturnError(errors.New("lock wait timeout"))
	sqlMock.ExpectRollback()

	_, err := ingestor.Ingest(context.Background(), IngestRequest{TenantID: "t1", Payload: []byte(`{"a":1}`)})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to accept event")
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestNewEventID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewEventID()
		assert.Len(t, id, 16)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
