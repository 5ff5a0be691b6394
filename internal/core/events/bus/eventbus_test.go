package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/famsync/famsync/internal/core/record"
)

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	var got Event
	sub := b.Subscribe(TypeCollectionChanged, func(e Event) error {
		got = e
		return nil
	})
	assert.True(t, sub.IsActive())

	ev := NewEvent(TypeCollectionChanged, "engine", record.CollectionTransactions, 3)
	assert.NoError(t, b.Publish(ev))
	assert.Equal(t, record.CollectionTransactions, got.Collection)
	assert.Equal(t, 3, got.Data)
}

func TestPublishOnlyMatchingType(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe(TypeSyncCompleted, func(Event) error {
		calls++
		return nil
	})

	assert.NoError(t, b.Publish(NewEvent(TypeLocalWrite, "store", record.CollectionGoals, nil)))
	assert.Equal(t, 0, calls)
	assert.NoError(t, b.Publish(NewEvent(TypeSyncCompleted, "engine", "", nil)))
	assert.Equal(t, 1, calls)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe(TypeStatusChanged, func(Event) error {
		calls++
		return nil
	})
	sub.Cancel()
	assert.False(t, sub.IsActive())
	assert.NoError(t, b.Publish(NewEvent(TypeStatusChanged, "engine", "", nil)))
	assert.Equal(t, 0, calls)
}

func TestHandlerErrorsJoined(t *testing.T) {
	b := New()
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	b.Subscribe(TypeLocalWrite, func(Event) error { return errA })
	b.Subscribe(TypeLocalWrite, func(Event) error { return errB })

	err := b.Publish(NewEvent(TypeLocalWrite, "store", record.CollectionTransactions, nil))
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}
