package hookrelay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/overtonx/hookrelay/queue"
	"github.com/overtonx/hookrelay/queue/memqueue"
	"github.com/overtonx/hookrelay/storage"
	"github.com/overtonx/hookrelay/storage/memstore"
)

type steppedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// pipeline wires a carrier over in-memory backends to a signature-checking receiver.
type pipeline struct {
	carrier *Carrier
	store   *memstore.MemStore
	live    *memqueue.MemQueue
	dlq     *memqueue.MemQueue
	clock   *steppedClock
	calls   atomic.Int32
	bodies  chan []byte
}

func newPipeline(t *testing.T, respond func(call int32) int) *pipeline {
	t.Helper()
	p := &pipeline{
		store:  memstore.New(),
		clock:  &steppedClock{now: time.Now()},
		bodies: make(chan []byte, 16),
	}

	server := httptest.NewServer(RequireSignature(func(*http.Request) (string, error) { return "whsec_1", nil })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			p.bodies <- body
			w.WriteHeader(respond(p.calls.Add(1)))
		}),
	))
	t.Cleanup(server.Close)

	require.NoError(t, p.store.PutTenant(context.Background(), storage.Tenant{
		TenantID: "t1", APIKey: "key-1", TargetURL: server.URL + "/hook", SigningSecret: "whsec_1", Active: true,
	}))

	p.dlq = memqueue.New(queue.Config{MaxReceives: -1})
	p.live = memqueue.New(queue.Config{MaxReceives: 3}, memqueue.WithDeadLetter(p.dlq), memqueue.WithClock(p.clock.Now))

	carrier, err := NewCarrier(p.store, p.live, WithDeadLetterQueue(p.dlq), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	p.carrier = carrier
	return p
}

func (p *pipeline) ingest(t *testing.T, payload string) string {
	t.Helper()
	result, err := p.carrier.Ingestor().Ingest(context.Background(), IngestRequest{TenantID: "t1", Payload: []byte(payload)})
	require.NoError(t, err)
	return result.EventID
}

func (p *pipeline) dispatch(t *testing.T) {
	t.Helper()
	require.NoError(t, p.carrier.Consumer().ProcessBatch(context.Background()))
}

func (p *pipeline) event(t *testing.T, eventID string) storage.Event {
	t.Helper()
	event, err := p.store.GetEvent(context.Background(), "t1", eventID)
	require.NoError(t, err)
	return event
}

func TestScenario_HappyPath(t *testing.T) {
	p := newPipeline(t, func(int32) int { return http.StatusOK })

	eventID := p.ingest(t, `{"order":"o-1"}`)
	p.dispatch(t)

	event := p.event(t, eventID)
	assert.Equal(t, storage.StatusDelivered, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Empty(t, event.LastError)
	assert.Equal(t, `{"order":"o-1"}`, string(<-p.bodies))
	assert.Equal(t, 0, p.live.Len())
}

func TestScenario_FailingThenRecoveringEndpoint(t *testing.T) {
	p := newPipeline(t, func(call int32) int {
		if call == 1 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})

	eventID := p.ingest(t, `{"order":"o-2"}`)
	p.dispatch(t)

	event := p.event(t, eventID)
	assert.Equal(t, storage.StatusFailed, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Equal(t, "HTTP 500", event.LastError)
	firstAttempt := *event.LastAttemptAt

	// Still backing off.
	p.dispatch(t)
	assert.Equal(t, int32(1), p.calls.Load())

	p.clock.Advance(2 * time.Minute)
	p.dispatch(t)

	event = p.event(t, eventID)
	assert.Equal(t, storage.StatusDelivered, event.Status)
	assert.Equal(t, 2, event.Attempts)
	assert.Empty(t, event.LastError)
	assert.False(t, event.LastAttemptAt.Before(firstAttempt))
	assert.Equal(t, 0, p.live.Len())
}

func TestScenario_ExhaustionAndManualRecovery(t *testing.T) {
	p := newPipeline(t, func(int32) int { return http.StatusInternalServerError })

	eventID := p.ingest(t, `{"order":"o-3"}`)
	previous := 0
	for i := 0; i < 3; i++ {
		p.dispatch(t)
		event := p.event(t, eventID)
		assert.Equal(t, previous+1, event.Attempts, "attempts advance by one per delivery")
		previous = event.Attempts
		p.clock.Advance(time.Hour)
	}

	// The next receive moves the exhausted instruction aside instead of delivering it.
	p.dispatch(t)
	assert.Equal(t, int32(3), p.calls.Load())
	assert.Equal(t, 0, p.live.Len())
	assert.Equal(t, 1, p.dlq.Len())

	event := p.event(t, eventID)
	assert.Equal(t, storage.StatusFailed, event.Status)
	assert.Equal(t, 3, event.Attempts)

	reconciler, err := p.carrier.Reconciler()
	require.NoError(t, err)
	result, err := reconciler.Reconcile(context.Background(), ReconcileRequest{BatchSize: 10, MaxMessages: 10})
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Requeued: 1, Failed: 0}, result)
	assert.Equal(t, 0, p.dlq.Len())

	msgs, err := p.live.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	in, err := queue.JSONCodec{}.Decode(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, queue.Instruction{TenantID: "t1", EventID: eventID}, in)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
}

func TestScenario_DuplicateInstructionIsAbsorbed(t *testing.T) {
	p := newPipeline(t, func(int32) int { return http.StatusOK })

	eventID := p.ingest(t, `{"order":"o-4"}`)
	p.dispatch(t)

	body, err := queue.JSONCodec{}.Encode(queue.Instruction{TenantID: "t1", EventID: eventID})
	require.NoError(t, err)
	require.NoError(t, p.live.Enqueue(context.Background(), body))
	p.dispatch(t)

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, 1, p.event(t, eventID).Attempts)
	assert.Equal(t, 0, p.live.Len())
}

func TestScenario_MissingEventIsDiscarded(t *testing.T) {
	p := newPipeline(t, func(int32) int { return http.StatusOK })

	body, err := queue.JSONCodec{}.Encode(queue.Instruction{TenantID: "t1", EventID: "evt_gone"})
	require.NoError(t, err)
	require.NoError(t, p.live.Enqueue(context.Background(), body))
	require.NoError(t, p.live.Enqueue(context.Background(), []byte(`{"tenantId":"t1"}`)))
	p.dispatch(t)

	assert.Equal(t, int32(0), p.calls.Load())
	assert.Equal(t, 0, p.live.Len())
	assert.Equal(t, 0, p.dlq.Len())
}
