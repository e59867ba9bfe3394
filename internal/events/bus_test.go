// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/holoflow/internal/events"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	ch := bus.Subscribe(events.TypeRegistered)
	other := bus.Subscribe(events.NodeIconDir)

	bus.Emit(events.TypeRegistered, "inject")

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeRegistered, ev.Name)
		assert.Equal(t, "inject", ev.Payload)
	default:
		t.Fatal("expected event on subscribed channel")
	}

	select {
	case ev := <-other:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("x")

	bus.Unsubscribe("x", ch)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after Unsubscribe")

	// Emitting after unsubscribe must not panic.
	bus.Emit("x", 1)
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe("x")

	for i := range 100 {
		bus.Emit("x", i)
	}

	assert.Len(t, ch, cap(ch))
}

func TestRecorder(t *testing.T) {
	var rec events.Recorder
	rec.Emit(events.NodeIconDir, "/a/icons")
	rec.Emit(events.TypeRegistered, "inject")
	rec.Emit(events.NodeIconDir, "/b/icons")

	require.Len(t, rec.Events(), 3)
	assert.Equal(t, []any{"/a/icons", "/b/icons"}, rec.Named(events.NodeIconDir))
}
