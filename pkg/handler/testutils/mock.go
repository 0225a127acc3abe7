// Package testutils provides test doubles for handler.Handler.
package testutils

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
)

var _ handler.Handler = (*MockHandler)(nil)

// MockHandler is a testify mock of handler.Handler.
type MockHandler struct {
	mock.Mock
}

func NewMockHandler() *MockHandler {
	return &MockHandler{}
}

func (m *MockHandler) Handle(ctx context.Context, batch handler.Batch) handler.Result {
	args := m.Called(ctx, batch)
	return args.Get(0).(handler.Result)
}
