package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bertcore/internal/capability"
)

type mockExporter struct {
	mock.Mock
}

func (m *mockExporter) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockExporter) Close() error {
	return nil
}

func maskBatch(t *testing.T) arrow.RecordBatch {
	t.Helper()
	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildMaskTable(capability.Table())
	require.NoError(t, err)
	t.Cleanup(rb.Release)
	return rb
}

func TestGuardedExporter_RetriesThenSucceeds(t *testing.T) {
	rb := maskBatch(t)
	exp := &mockExporter{}
	exp.On("DoPut", mock.Anything, "masks", rb).Return(errors.New("unavailable")).Once()
	exp.On("DoPut", mock.Anything, "masks", rb).Return(nil).Once()

	g := NewGuardedExporter(exp, NewCircuitBreaker(5, time.Minute), 3, time.Millisecond)
	require.NoError(t, g.DoPut(context.Background(), "masks", rb))
	exp.AssertNumberOfCalls(t, "DoPut", 2)
}

func TestGuardedExporter_StopsWhenOpen(t *testing.T) {
	rb := maskBatch(t)
	exp := &mockExporter{}
	exp.On("DoPut", mock.Anything, "masks", rb).Return(errors.New("unavailable"))

	g := NewGuardedExporter(exp, NewCircuitBreaker(2, time.Minute), 5, time.Millisecond)
	err := g.DoPut(context.Background(), "masks", rb)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	exp.AssertNumberOfCalls(t, "DoPut", 2)
}

func TestGuardedExporter_ContextCancelled(t *testing.T) {
	rb := maskBatch(t)
	exp := &mockExporter{}
	exp.On("DoPut", mock.Anything, "masks", rb).Return(errors.New("unavailable"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewGuardedExporter(exp, NewCircuitBreaker(10, time.Minute), 3, time.Hour)
	err := g.DoPut(ctx, "masks", rb)
	assert.ErrorIs(t, err, context.Canceled)
	exp.AssertNumberOfCalls(t, "DoPut", 1)
}

func TestGuardedExporter_ExhaustsAttempts(t *testing.T) {
	rb := maskBatch(t)
	exp := &mockExporter{}
	unavailable := errors.New("unavailable")
	exp.On("DoPut", mock.Anything, "masks", rb).Return(unavailable)

	g := NewGuardedExporter(exp, NewCircuitBreaker(10, time.Minute), 3, time.Millisecond)
	err := g.DoPut(context.Background(), "masks", rb)
	assert.ErrorIs(t, err, unavailable)
	assert.Contains(t, err.Error(), "after 3 attempts")
	exp.AssertNumberOfCalls(t, "DoPut", 3)
}

func TestGuardedExporter_SingleAttempt(t *testing.T) {
	rb := maskBatch(t)
	exp := &mockExporter{}
	exp.On("DoPut", mock.Anything, "masks", rb).Return(errors.New("unavailable"))

	g := NewGuardedExporter(exp, NewCircuitBreaker(10, time.Minute), 0, time.Hour)
	assert.Error(t, g.DoPut(context.Background(), "masks", rb))
	exp.AssertNumberOfCalls(t, "DoPut", 1)
}
