package queue

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockQueue is a mock implementation of the Queue interface for testing.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, body []byte) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

func (m *MockQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	args := m.Called(ctx, max)
	msgs, _ := args.Get(0).([]Message)
	return msgs, args.Error(1)
}

func (m *MockQueue) Ack(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockQueue) Nack(ctx context.Context, msg Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
