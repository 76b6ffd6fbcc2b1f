package netmon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_Online(t *testing.T) {
	assert.True(t, NewManual(true).Online())
	assert.False(t, NewManual(false).Online())
}

func TestManual_NotifiesOnFlip(t *testing.T) {
	mon := NewManual(false)

	var got []bool
	mon.Subscribe(func(online bool) {
		got = append(got, online)
	})

	mon.SetOnline(true)
	mon.SetOnline(true) // no flip, no notification
	mon.SetOnline(false)

	assert.Equal(t, []bool{true, false}, got)
	assert.False(t, mon.Online())
}

func TestManual_Unsubscribe(t *testing.T) {
	mon := NewManual(false)

	calls := 0
	unsubscribe := mon.Subscribe(func(bool) { calls++ })

	mon.SetOnline(true)
	unsubscribe()
	mon.SetOnline(false)

	assert.Equal(t, 1, calls)
}

func TestManual_PanickingListenerDoesNotStopOthers(t *testing.T) {
	mon := NewManual(false)

	notified := false
	mon.Subscribe(func(bool) { panic("listener bug") })
	mon.Subscribe(func(bool) { notified = true })

	assert.NotPanics(t, func() { mon.SetOnline(true) })
	assert.True(t, notified)
}

func TestProbe_InitialStateFromChecker(t *testing.T) {
	ctx := context.Background()

	online := NewProbe(ctx, func(context.Context) bool { return true }, time.Minute)
	assert.True(t, online.Online())

	offline := NewProbe(ctx, func(context.Context) bool { return false }, time.Minute)
	assert.False(t, offline.Online())
}

func TestProbe_DetectsFlip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reachable bool // the polling goroutine only reads via the checker
	check := make(chan bool, 1)
	probe := NewProbe(ctx, func(context.Context) bool {
		select {
		case v := <-check:
			reachable = v
		default:
		}
		return reachable
	}, time.Millisecond)

	flipped := make(chan bool, 1)
	probe.Subscribe(func(online bool) { flipped <- online })

	go probe.Start(ctx)
	check <- true

	select {
	case online := <-flipped:
		assert.True(t, online)
	case <-time.After(time.Second):
		t.Fatal("probe never reported the flip")
	}
	assert.True(t, probe.Online())
}
