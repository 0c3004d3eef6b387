package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/papertrade-lab/papertrade/internal/logger"
	"github.com/papertrade-lab/papertrade/internal/types"
)

type capturingPriceStore struct {
	mu    sync.Mutex
	ticks []types.PriceTick
}

func (s *capturingPriceStore) Publish(ctx context.Context, tick types.PriceTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, tick)

	return nil
}

func (s *capturingPriceStore) GetLastPrice(ctx context.Context, symbol string) (*types.PriceTick, error) {
	return nil, nil
}

func (s *capturingPriceStore) Subscribe(ctx context.Context, symbol string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)

	return ch, nil
}

func (s *capturingPriceStore) published() []types.PriceTick {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.PriceTick, len(s.ticks))
	copy(out, s.ticks)

	return out
}

// mockFeed is a websocket server speaking the feed handshake: greeting,
// auth check, subscribe ack, then whatever trade frames the test pushes.
type mockFeed struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	key      string
	secret   string
	rejected bool

	dials  atomic.Int64
	frames chan []byte
}

func newMockFeed(key, secret string, reject bool) *mockFeed {
	feed := &mockFeed{
		key:      key,
		secret:   secret,
		rejected: reject,
		frames:   make(chan []byte, 64),
	}

	feed.server = httptest.NewServer(http.HandlerFunc(feed.handle))

	return feed
}

func (f *mockFeed) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *mockFeed) close() {
	f.server.Close()
}

func (f *mockFeed) handle(w http.ResponseWriter, r *http.Request) {
	f.dials.Add(1)

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`[{"T":"success","msg":"connected"}]`)); err != nil {
		return
	}

	_, authData, err := conn.ReadMessage()
	if err != nil {
		return
	}

	var auth map[string]string
	if err := json.Unmarshal(authData, &auth); err != nil {
		return
	}

	if f.rejected || auth["action"] != "auth" || auth["key"] != f.key || auth["secret"] != f.secret {
		conn.WriteMessage(websocket.TextMessage, //nolint:errcheck
			[]byte(`[{"T":"error","msg":"auth failed"}]`))

		return
	}

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`[{"T":"success","msg":"authenticated"}]`)); err != nil {
		return
	}

	// Subscribe request, then ack.
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`[{"T":"subscription","trades":["AAPL"]}]`)); err != nil {
		return
	}

	for frame := range f.frames {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

type IngestTestSuite struct {
	suite.Suite
}

func TestIngestSuite(t *testing.T) {
	suite.Run(t, new(IngestTestSuite))
}

func (suite *IngestTestSuite) TestReconnectDelaysDoubleToCeiling() {
	b := newReconnectBackoff()

	wants := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	for attempt, want := range wants {
		suite.Equal(want, b.ForAttempt(float64(attempt)), "attempt %d", attempt)
	}

	// Duration consumes attempts in the same deterministic order.
	suite.Equal(time.Second, b.Duration())
	suite.Equal(2*time.Second, b.Duration())

	b.Reset()
	suite.Equal(time.Second, b.Duration())
}

func (suite *IngestTestSuite) TestStreamsTradesIntoPriceStore() {
	feed := newMockFeed("key-id", "key-secret", false)
	defer feed.close()

	store := &capturingPriceStore{}
	client := NewClient(feed.url(), "key-id", "key-secret", []string{"AAPL"}, store, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		client.Run(ctx)
		close(done)
	}()

	feed.frames <- []byte(`[{"T":"t","S":"AAPL","p":190.25,"s":100,"t":"2026-09-01T14:30:00.123456789Z"}]`)
	feed.frames <- []byte(`[{"T":"q","S":"AAPL"},{"T":"t","S":"AAPL","p":190.5,"s":50,"t":"2026-09-01T14:30:01Z"}]`)

	suite.Require().Eventually(func() bool {
		return len(store.published()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ticks := store.published()
	suite.Equal("AAPL", ticks[0].Symbol)
	suite.Equal(190.25, ticks[0].Price)
	suite.Equal(100.0, ticks[0].Size)
	suite.Equal(2026, ticks[0].Timestamp.Year())

	// Quote frame in the second message is skipped, trade is kept.
	suite.Equal(190.5, ticks[1].Price)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		suite.Fail("Run did not return after cancellation")
	}
}

func (suite *IngestTestSuite) TestBadTimestampFallsBackToNow() {
	feed := newMockFeed("key-id", "key-secret", false)
	defer feed.close()

	store := &capturingPriceStore{}
	client := NewClient(feed.url(), "key-id", "key-secret", []string{"AAPL"}, store, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	before := time.Now()
	feed.frames <- []byte(`[{"T":"t","S":"AAPL","p":10,"s":1,"t":"not-a-time"}]`)

	suite.Require().Eventually(func() bool {
		return len(store.published()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	tick := store.published()[0]
	suite.False(tick.Timestamp.Before(before))
}

func (suite *IngestTestSuite) TestRejectedCredentialsReconnectWithBackoff() {
	feed := newMockFeed("key-id", "key-secret", true)
	defer feed.close()

	store := &capturingPriceStore{}
	client := NewClient(feed.url(), "key-id", "wrong", nil, store, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	// First attempt is immediate; the retry lands after the minimum backoff.
	suite.Require().Eventually(func() bool {
		return feed.dials.Load() >= 2
	}, 5*time.Second, 50*time.Millisecond)

	suite.Empty(store.published())
}
