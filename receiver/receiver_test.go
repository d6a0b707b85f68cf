// SPDX-License-Identifier: ice License 1.0

package receiver

import (
	"context"
	"sync/atomic"
	"testing"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ice-blockchain/outpost/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNextDelayDoublesUpToCap(t *testing.T) {
	t.Parallel()
	maximum := 5 * stdlibtime.Minute
	delay := 500 * stdlibtime.Millisecond
	var observed []stdlibtime.Duration
	for range 12 {
		observed = append(observed, delay)
		delay = nextDelay(delay, maximum)
	}
	require.Equal(t, 500*stdlibtime.Millisecond, observed[0])
	require.Equal(t, 1*stdlibtime.Second, observed[1])
	require.Equal(t, 2*stdlibtime.Second, observed[2])
	require.Equal(t, 256*stdlibtime.Second, observed[10])
	require.Equal(t, maximum, observed[11])
	require.Equal(t, maximum, nextDelay(maximum, maximum))
}

func TestReceiverRetriesFailedDials(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	dial := func(context.Context, string) (Conn, error) {
		attempts.Add(1)

		return nil, errors.New("connection refused")
	}
	rec := New(dial, func(*model.Event) {}, WithBackoff(time1ms(), 10*stdlibtime.Millisecond))
	require.NoError(t, rec.Start(context.Background(), []string{"wss://down.example"}, []string{"a1"}, true))
	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, stdlibtime.Second, stdlibtime.Millisecond)
	rec.Stop()
}

func TestReceiverResetsBackoffOnConnect(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	dial := func(context.Context, string) (Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}

		return newFakeConn(), nil
	}
	rec := New(dial, func(*model.Event) {}, WithBackoff(time1ms(), 10*stdlibtime.Millisecond))
	require.NoError(t, rec.Start(context.Background(), []string{"wss://flaky.example"}, []string{"a1"}, true))
	require.Eventually(t, func() bool {
		rec.mx.Lock()
		defer rec.mx.Unlock()

		return rec.remotes["wss://flaky.example"].connected
	}, stdlibtime.Second, stdlibtime.Millisecond)
	rec.mx.Lock()
	delay := rec.remotes["wss://flaky.example"].delay
	rec.mx.Unlock()
	require.Equal(t, time1ms(), delay, "a successful connect resets the backoff")
	rec.Stop()
}

func TestReceiverStopCancelsPendingReconnects(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	dial := func(context.Context, string) (Conn, error) {
		attempts.Add(1)

		return nil, errors.New("connection refused")
	}
	rec := New(dial, func(*model.Event) {}, WithBackoff(time1ms(), 10*stdlibtime.Millisecond))
	require.NoError(t, rec.Start(context.Background(), []string{"wss://down.example"}, []string{"a1"}, true))
	require.Eventually(t, func() bool { return attempts.Load() >= 1 }, stdlibtime.Second, stdlibtime.Millisecond)
	rec.Stop()
	settled := attempts.Load()
	stdlibtime.Sleep(30 * stdlibtime.Millisecond)
	require.Equal(t, settled, attempts.Load(), "no dial attempts after Stop")
}

func TestReceiverDeliversTailEvents(t *testing.T) {
	t.Parallel()
	conn := newFakeConnWithHistory(t)
	dial := func(context.Context, string) (Conn, error) { return conn, nil }
	received := make(chan *model.Event, 8)
	rec := New(dial, func(ev *model.Event) { received <- ev }, WithBackoff(time1ms(), 10*stdlibtime.Millisecond))
	require.NoError(t, rec.Start(context.Background(), []string{"wss://up.example"}, []string{"a1"}, true))

	ev := <-received
	require.Equal(t, "stored", ev.Content)
	require.Eventually(t, func() bool {
		for _, status := range rec.Status() {
			if status.State == "tail" {
				return true
			}
		}

		return false
	}, stdlibtime.Second, stdlibtime.Millisecond)

	conn.messages <- &Message{Type: "EVENT", Event: helperSignedNote(t, 1, 300, "live")}
	ev = <-received
	require.Equal(t, "live", ev.Content)
	rec.Stop()
}

func TestReceiverStatusHook(t *testing.T) {
	t.Parallel()
	statuses := make(chan []RelayStatus, 8)
	dial := func(context.Context, string) (Conn, error) { return newFakeConn(), nil }
	rec := New(dial, func(*model.Event) {},
		WithBackoff(time1ms(), 10*stdlibtime.Millisecond),
		WithStatusHook(func(snapshot []RelayStatus) { statuses <- snapshot }))
	require.NoError(t, rec.Start(context.Background(), []string{"wss://up.example"}, []string{"a1"}, true))
	snapshot := <-statuses
	require.Len(t, snapshot, 1)
	require.True(t, snapshot[0].Connected)
	rec.Stop()
}

func time1ms() stdlibtime.Duration { return stdlibtime.Millisecond }

// newFakeConnWithHistory preloads one stored event and the double EOSE
// that flips the scraper to tail mode.
func newFakeConnWithHistory(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	conn.messages <- &Message{Type: "EVENT", Event: helperSignedNote(t, 1, 200, "stored")}
	conn.messages <- &Message{Type: "EOSE"}
	conn.messages <- &Message{Type: "EOSE"}

	return conn
}
