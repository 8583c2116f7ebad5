package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/citypulse/internal/relay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMount(t *testing.T) {
	packets := []relay.Packet{pkt("1", "SoDo", 0.9, relay.UrgencyUrgent, "SoDo", "Downtown")}
	r := gin.New()
	Mount(r, func() []relay.Packet { return packets })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard/tiles", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var tiles []Tile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tiles))
	require.Len(t, tiles, 6)
	assert.Equal(t, LevelCritical, tiles[1].Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, "Neighborhood Overview")
	assert.Contains(t, body, "West Seattle")
	assert.Contains(t, body, "heat wave")
	assert.Contains(t, body, "No active relays impacting this area.")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard/feed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var feed []relay.Packet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &feed))
	assert.Len(t, feed, 1)
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, []relay.Packet{pkt("1", "Ballard", 0.5, relay.UrgencyNormal)}))
	out := buf.String()
	assert.Contains(t, out, "[ !! ] Ballard")
	assert.Contains(t, out, "[ ok ] Downtown")
	assert.Contains(t, out, "heat wave")
	assert.Contains(t, out, "50%")
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls int
	runs  [][]relay.Event
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, fn func(relay.Event)) error {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i < len(f.runs) {
		for _, ev := range f.runs[i] {
			fn(ev)
		}
		return errors.New("connection dropped")
	}
	<-ctx.Done()
	return ctx.Err()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestWatch_Reconnects(t *testing.T) {
	sub := &fakeSubscriber{runs: [][]relay.Event{
		{relay.SnapshotEvent(nil)},
		{relay.SnapshotEvent([]relay.Packet{pkt("1", "QueenAnne", 0.9, relay.UrgencyUrgent)})},
	}}
	var out syncBuffer

	ctx, cancel := context.WithTimeout(context.Background(), ReconnectDelay+3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Watch(ctx, sub, &out, false) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[CRIT] Queen Anne")
	}, ReconnectDelay+2*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
