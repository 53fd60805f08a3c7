package delivery_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lqdb/lqdb/internal/delivery"
	"github.com/lqdb/lqdb/internal/model"
)

func TestSendDeliversToSubscriber(t *testing.T) {
	hub := delivery.New(4, nil)
	lqID := uuid.New()
	ch := hub.Subscribe(lqID)

	hub.Send(context.Background(), lqID, model.NotificationRecord{LiveID: lqID, Action: model.Create})

	select {
	case rec := <-ch:
		require.Equal(t, model.Create, rec.Action)
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
}

func TestSendToMissingSubscriberIsNoop(t *testing.T) {
	hub := delivery.New(4, nil)
	require.NotPanics(t, func() {
		hub.Send(context.Background(), uuid.New(), model.NotificationRecord{})
	})
}

func TestSendDropsOldestOnFullChannel(t *testing.T) {
	hub := delivery.New(2, nil)
	lqID := uuid.New()
	ch := hub.Subscribe(lqID)

	first := model.NotificationRecord{LiveID: lqID, NotificationID: uuid.New(), Action: model.Create}
	second := model.NotificationRecord{LiveID: lqID, NotificationID: uuid.New(), Action: model.Update}
	third := model.NotificationRecord{LiveID: lqID, NotificationID: uuid.New(), Action: model.Delete}

	ctx := context.Background()
	hub.Send(ctx, lqID, first)
	hub.Send(ctx, lqID, second)
	hub.Send(ctx, lqID, third) // channel full after first two, should drop `first`

	got1 := <-ch
	got2 := <-ch
	require.Equal(t, second.NotificationID, got1.NotificationID)
	require.Equal(t, third.NotificationID, got2.NotificationID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := delivery.New(4, nil)
	lqID := uuid.New()
	ch := hub.Subscribe(lqID)
	hub.Unsubscribe(lqID)

	_, open := <-ch
	require.False(t, open)

	require.NotPanics(t, func() { hub.Unsubscribe(lqID) })
}
