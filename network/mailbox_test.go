package network

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/stretchr/testify/require"
)

func TestMailboxWakesWaitingReceiver(t *testing.T) {
	m := newMailbox()
	got := make(chan []byte, 1)
	go func() {
		payload, _, _ := m.receive(context.Background(), clock.NewClock(), 2, 5, 5*time.Second)
		got <- payload
	}()
	time.Sleep(10 * time.Millisecond)
	m.push(2, 4, []byte("wrong tag"))
	m.push(3, 5, []byte("wrong sender"))
	m.push(2, 5, []byte("right"))
	select {
	case payload := <-got:
		require.Equal(t, "right", string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never woke up")
	}
	_, ok := m.tryPop(2, 4)
	require.True(t, ok)
	_, ok = m.tryPop(3, 5)
	require.True(t, ok)
	require.Empty(t, m.queues)
}

func TestMailboxHonoursContext(t *testing.T) {
	m := newMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := m.receive(ctx, clock.NewClock(), 0, 0, time.Minute)
	require.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
}
