package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"attendance_go/services/attendance"
	"attendance_go/services/websocket"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 500*time.Millisecond, 0)
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.NextBackOff(), "attempt %d", i)
	}

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestBackoffJitterStaysNearCap(t *testing.T) {
	tests := []struct {
		name   string
		jitter float64
	}{
		{"default jitter", 0.2},
		{"wide jitter", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(100*time.Millisecond, time.Second, tt.jitter)
			ceiling := time.Duration(float64(time.Second) * (1 + tt.jitter))
			for i := 0; i < 20; i++ {
				d := b.NextBackOff()
				assert.NotEqual(t, backoff.Stop, d)
				assert.LessOrEqual(t, d, ceiling)
				assert.Greater(t, d, time.Duration(0))
			}
		})
	}
}

func TestDefaultBackoffNeverStops(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 500*time.Millisecond, b.InitialInterval)
	assert.Equal(t, 30*time.Second, b.MaxInterval)
	assert.Zero(t, b.MaxElapsedTime)
}

func TestConnectionStopsWhenBackoffGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	conn, err := Subscribe(context.Background(), Options{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		ClassID: "c1",
		Backoff: &backoff.StopBackOff{},
		Log:     quietLogger(),
	})
	require.NoError(t, err)

	select {
	case _, ok := <-conn.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("connection kept retrying")
	}
	assert.Equal(t, Disconnected, conn.State())
	require.NoError(t, conn.Close())
}

func TestSubscribeRequiresClass(t *testing.T) {
	_, err := Subscribe(context.Background(), Options{URL: "ws://localhost/ws"})
	assert.Error(t, err)
}

// hubServer routes upgrades to whichever hub is current, so a test can swap
// hubs to force a reconnect.
type hubServer struct {
	current atomic.Pointer[websocket.Hub]
	srv     *httptest.Server
}

func newHubServer(t *testing.T) *hubServer {
	t.Helper()
	hs := &hubServer{}
	hs.swap()
	hs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.current.Load().ServeWS(w, r, 1, r.URL.Query().Get("class_id"))
	}))
	t.Cleanup(func() {
		hs.current.Load().Stop()
		hs.srv.Close()
	})
	return hs
}

// swap installs a fresh hub and stops the previous one.
func (hs *hubServer) swap() *websocket.Hub {
	hub := websocket.NewHub(quietLogger())
	go hub.Run()
	if old := hs.current.Swap(hub); old != nil {
		old.Stop()
	}
	return hub
}

func (hs *hubServer) url() string {
	return "ws" + strings.TrimPrefix(hs.srv.URL, "http") + "/ws"
}

func nextEvent(t *testing.T, c *Connection) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnectionReceivesAndReconnects(t *testing.T) {
	hs := newHubServer(t)
	conn, err := Subscribe(context.Background(), Options{
		URL:     hs.url(),
		ClassID: "c1",
		Backoff: NewBackoff(10*time.Millisecond, 50*time.Millisecond, 0),
		Log:     quietLogger(),
	})
	require.NoError(t, err)
	defer conn.Close()

	hub := hs.current.Load()
	require.Eventually(t, func() bool {
		return conn.State() == Connected && hub.GetClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish("c1", attendance.Event{
		Type:    attendance.EventStatsUpdated,
		ClassID: "c1",
		Payload: attendance.DayAggregate{ClassID: "c1", TotalStudents: 20, PresentCount: 18, AttendanceRate: 90},
	})
	hub.Publish("c2", attendance.Event{Type: attendance.EventStatsUpdated, ClassID: "c2"})
	hub.Publish("c1", attendance.Event{Type: attendance.EventBulkCompleted, ClassID: "c1"})

	ev := nextEvent(t, conn)
	assert.Equal(t, attendance.EventStatsUpdated, ev.Type)
	var agg attendance.DayAggregate
	require.NoError(t, json.Unmarshal(ev.Payload, &agg))
	assert.Equal(t, 20, agg.TotalStudents)
	assert.Equal(t, 90.0, agg.AttendanceRate)

	assert.Equal(t, attendance.EventBulkCompleted, nextEvent(t, conn).Type)

	next := hs.swap()
	require.Eventually(t, func() bool {
		return conn.State() == Connected && next.GetClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	next.Publish("c1", attendance.Event{Type: attendance.EventAlertCreated, ClassID: "c1"})
	assert.Equal(t, attendance.EventAlertCreated, nextEvent(t, conn).Type)
}

func TestConnectionStateChangesAndClose(t *testing.T) {
	hs := newHubServer(t)
	conn, err := Subscribe(context.Background(), Options{URL: hs.url(), ClassID: "c1", Log: quietLogger()})
	require.NoError(t, err)

	seen := map[State]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[Connected] {
		select {
		case s := <-conn.StateChanges():
			seen[s] = true
		case <-timeout:
			t.Fatal("never connected")
		}
	}
	assert.True(t, seen[Connecting])

	require.NoError(t, conn.Close())
	assert.Equal(t, Disconnected, conn.State())
	_, ok := <-conn.Events()
	assert.False(t, ok)
	assert.Equal(t, "disconnected", conn.State().String())
}
