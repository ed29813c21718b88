package hookrelay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/hookrelay/queue"
	"github.com/overtonx/hookrelay/queue/memqueue"
)

func TestReconciler_RequeuesIdenticalInstructions(t *testing.T) {
	ctx := context.Background()
	dlq := memqueue.New(queue.Config{MaxReceives: -1})
	live := memqueue.New(queue.DefaultConfig())

	want := []queue.Instruction{
		{TenantID: "t1", EventID: "evt_a"},
		{TenantID: "t2", EventID: "evt_b"},
		{TenantID: "t1", EventID: "evt_c"},
	}
	for _, in := range want {
		body, err := queue.JSONCodec{}.Encode(in)
		require.NoError(t, err)
		require.NoError(t, dlq.Enqueue(ctx, body))
	}

	metrics := newRecordingMetrics()
	result, err := NewReconciler(dlq, live, zap.NewNop(), metrics).
		Reconcile(ctx, ReconcileRequest{BatchSize: 2, MaxMessages: 10})

	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Requeued: 3, Failed: 0}, result)
	assert.Equal(t, 0, dlq.Len())
	assert.Equal(t, 3, metrics.count(metricReconcilerRequeued, "", ""))

	msgs, err := live.Receive(ctx, 10)
	require.NoError(t, err)
	var got []queue.Instruction
	for _, msg := range msgs {
		in, err := queue.JSONCodec{}.Decode(msg.Body)
		require.NoError(t, err)
		got = append(got, in)
	}
	assert.ElementsMatch(t, want, got)
}

func TestReconciler_MalformedMessagesAreCountedAndDiscarded(t *testing.T) {
	ctx := context.Background()
	dlq := memqueue.New(queue.Config{MaxReceives: -1})
	live := memqueue.New(queue.DefaultConfig())

	require.NoError(t, dlq.Enqueue(ctx, []byte(`{"tenantId":"t1","eventId":"evt_a"}`)))
	require.NoError(t, dlq.Enqueue(ctx, []byte(`{"tenantId":"t1"}`)))
	require.NoError(t, dlq.Enqueue(ctx, []byte(`garbage`)))

	result, err := NewReconciler(dlq, live, nil, nil).Reconcile(ctx, ReconcileRequest{})

	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Requeued: 1, Failed: 2}, result)
	assert.Equal(t, 0, dlq.Len())
	assert.Equal(t, 1, live.Len())
}

func TestReconciler_RespectsMaxMessages(t *testing.T) {
	ctx := context.Background()
	dlq := memqueue.New(queue.Config{MaxReceives: -1})
	live := memqueue.New(queue.DefaultConfig())
	for i := 0; i < 25; i++ {
		require.NoError(t, dlq.Enqueue(ctx, []byte(`{"tenantId":"t1","eventId":"evt_x"}`)))
	}

	result, err := NewReconciler(dlq, live, nil, nil).Reconcile(ctx, ReconcileRequest{BatchSize: 10, MaxMessages: 15})

	require.NoError(t, err)
	assert.Equal(t, 15, result.Requeued)
	assert.Equal(t, 10, dlq.Len())
	assert.Equal(t, 15, live.Len())
}

func TestReconciler_BatchSizesShrinkToCap(t *testing.T) {
	dlq := new(queue.MockQueue)
	live := new(queue.MockQueue)
	msg := queue.Message{ID: "1", Body: []byte(`{"tenantId":"t1","eventId":"e1"}`), ReceiptHandle: "r-1"}

	dlq.On("Receive", mock.Anything, 3).Return([]queue.Message{msg, msg, msg}, nil).Once()
	dlq.On("Receive", mock.Anything, 1).Return([]queue.Message{msg}, nil).Once()
	dlq.On("Ack", mock.Anything, msg).Return(nil).Times(4)
	live.On("Enqueue", mock.Anything, msg.Body).Return(nil).Times(4)

	result, err := NewReconciler(dlq, live, nil, nil).Reconcile(context.Background(), ReconcileRequest{BatchSize: 3, MaxMessages: 4})

	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Requeued: 4}, result)
	dlq.AssertExpectations(t)
	live.AssertExpectations(t)
}

func TestReconciler_EnqueueFailureLeavesMessageOnDeadLetter(t *testing.T) {
	dlq := new(queue.MockQueue)
	live := new(queue.MockQueue)
	msg := queue.Message{ID: "1", Body: []byte(`{"tenantId":"t1","eventId":"e1"}`), ReceiptHandle: "r-1"}

	dlq.On("Receive", mock.Anything, 10).Return([]queue.Message{msg}, nil).Once()
	dlq.On("Receive", mock.Anything, 10).Return([]queue.Message(nil), nil).Once()
	live.On("Enqueue", mock.Anything, msg.Body).Return(errors.New("queue unavailable")).Once()
	dlq.On("Nack", mock.Anything, msg).Return(nil).Once()

	metrics := newRecordingMetrics()
	result, err := NewReconciler(dlq, live, nil, metrics).Reconcile(context.Background(), ReconcileRequest{})

	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Requeued: 0, Failed: 1}, result)
	assert.Equal(t, 1, metrics.count(metricReconcilerFailed, "", ""))
	dlq.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	dlq.AssertExpectations(t)
}

func TestReconciler_ReceiveError(t *testing.T) {
	dlq := new(queue.MockQueue)
	dlq.On("Receive", mock.Anything, 10).Return([]queue.Message(nil), errors.New("db is down")).Once()

	result, err := NewReconciler(dlq, new(queue.MockQueue), nil, nil).Reconcile(context.Background(), ReconcileRequest{})

	assert.Error(t, err)
	assert.Equal(t, "failed to receive from dead-letter queue: db is down", err.Error())
	assert.Equal(t, ReconcileResult{}, result)
}

func TestReconciler_CancellationReturnsPartialCounts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dlq := new(queue.MockQueue)
	live := new(queue.MockQueue)
	first := queue.Message{ID: "1", Body: []byte(`{"tenantId":"t1","eventId":"e1"}`), ReceiptHandle: "r-1"}
	second := queue.Message{ID: "2", Body: []byte(`{"tenantId":"t1","eventId":"e2"}`), ReceiptHandle: "r-2"}

	dlq.On("Receive", mock.Anything, 10).Return([]queue.Message{first, second}, nil).Once()
	live.On("Enqueue", mock.Anything, first.Body).Return(nil).Once()
	dlq.On("Ack", mock.Anything, first).Run(func(mock.Arguments) { cancel() }).Return(nil).Once()

	result, err := NewReconciler(dlq, live, nil, nil).Reconcile(ctx, ReconcileRequest{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ReconcileResult{Requeued: 1}, result)
	live.AssertNotCalled(t, "Enqueue", mock.Anything, second.Body)
}
