package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Matthew-IE/Hana-Project/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	hub    *Hub
	srv    *httptest.Server
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.CoalesceInterval == 0 {
		// Tests flush by hand.
		opts.CoalesceInterval = time.Hour
	}
	h := New(opts, zerolog.Nop())
	srv := httptest.NewServer(h)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	hn := &harness{hub: h, srv: srv, cancel: cancel, done: done}
	t.Cleanup(hn.close)
	return hn
}

func (hn *harness) close() {
	hn.once.Do(func() {
		hn.cancel()
		<-hn.done
		hn.srv.Close()
	})
}

func (hn *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := hn.hub.ClientCount()
	url := "ws" + strings.TrimPrefix(hn.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hn.hub.ClientCount() == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

type wireMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Payload json.RawMessage `json:"payload"`
}

func read(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m wireMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func configSnapshot() protocol.Message {
	return protocol.NewMessage(protocol.TypeConfigUpdate, map[string]any{"scale": 1.0})
}

func TestSnapshotOnConnect(t *testing.T) {
	hn := newHarness(t, Options{Snapshot: configSnapshot})
	conn := hn.dial(t)

	m := read(t, conn)
	assert.Equal(t, protocol.TypeConfigUpdate, m.Type)
	assert.JSONEq(t, `{"scale":1}`, string(m.Payload))
}

func TestFlushDuringConnectReachesClient(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	snapshot := func() protocol.Message {
		once.Do(func() { close(entered) })
		<-release
		return configSnapshot()
	}
	hn := newHarness(t, Options{Snapshot: snapshot})

	flushed := make(chan struct{})
	go func() {
		<-entered
		hn.hub.Broadcast(protocol.NewMessage(protocol.TypeConfigUpdate, map[string]any{"scale": 2.0}))
		go func() {
			hn.hub.Flush()
			close(flushed)
		}()
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	conn := hn.dial(t)
	assert.JSONEq(t, `{"scale":1}`, string(read(t, conn).Payload))
	assert.JSONEq(t, `{"scale":2}`, string(read(t, conn).Payload))
	<-flushed
}

func TestCoalescingCollapse(t *testing.T) {
	hn := newHarness(t, Options{Snapshot: configSnapshot})
	conn := hn.dial(t)
	read(t, conn)

	hn.hub.Broadcast(protocol.NewMessage(protocol.TypeConfigUpdate, map[string]int{"a": 1}))
	hn.hub.Broadcast(protocol.NewMessage(protocol.TypeConfigUpdate, map[string]int{"a": 2}))
	hn.hub.Flush()
	hn.hub.Broadcast(protocol.NewMessage(protocol.TypeError, map[string]string{"text": "marker"}))

	first := read(t, conn)
	assert.Equal(t, protocol.TypeConfigUpdate, first.Type)
	assert.JSONEq(t, `{"a":2}`, string(first.Payload))

	second := read(t, conn)
	assert.Equal(t, protocol.TypeError, second.Type, "a:1 must never reach the client")
}

func TestImmediateBypassesTick(t *testing.T) {
	hn := newHarness(t, Options{})
	conn := hn.dial(t)

	for i := 0; i < 100; i++ {
		hn.hub.Broadcast(protocol.NewMessage(protocol.TypeConfigUpdate, map[string]int{"n": i}))
		if i == 50 {
			hn.hub.Broadcast(protocol.NewMessage(protocol.TypeTTSAudio, map[string]string{"result": "u"}))
		}
	}

	// Nothing has been flushed yet, so the only frame available is the
	// immediate one.
	m := read(t, conn)
	assert.Equal(t, protocol.TypeTTSAudio, m.Type)

	hn.hub.Flush()
	m = read(t, conn)
	assert.Equal(t, protocol.TypeConfigUpdate, m.Type)
	assert.JSONEq(t, `{"n":99}`, string(m.Payload))

	hn.hub.Broadcast(protocol.NewMessage(protocol.TypeError, nil))
	assert.Equal(t, protocol.TypeError, read(t, conn).Type, "immediate message must not repeat")
}

func TestImmediateOrderPreserved(t *testing.T) {
	hn := newHarness(t, Options{})
	conn := hn.dial(t)

	for i := 0; i < 20; i++ {
		hn.hub.Broadcast(protocol.NewMessage(protocol.TypeAIEvent, map[string]int{"seq": i}))
	}
	for i := 0; i < 20; i++ {
		var p struct{ Seq int }
		require.NoError(t, json.Unmarshal(read(t, conn).Payload, &p))
		assert.Equal(t, i, p.Seq)
	}
}

func TestCombiner(t *testing.T) {
	merge := func(prev, next protocol.Message) protocol.Message {
		var a, b map[string]any
		_ = prev.Decode(&a)
		_ = next.Decode(&b)
		for k, v := range b {
			a[k] = v
		}
		return protocol.NewMessage(next.Type, a)
	}
	hn := newHarness(t, Options{Combiners: map[string]Combiner{protocol.TypeConfigUpdate: merge}})
	conn := hn.dial(t)

	hn.hub.Broadcast(protocol.NewMessage(protocol.TypeConfigUpdate, map[string]any{"scale": 2, "alwaysOnTop": true}))
	hn.hub.Broadcast(protocol.NewMessage(protocol.TypeConfigUpdate, map[string]any{"clickThrough": true}))
	hn.hub.Flush()

	m := read(t, conn)
	assert.JSONEq(t, `{"scale":2,"alwaysOnTop":true,"clickThrough":true}`, string(m.Payload))
}

func TestFlushTicker(t *testing.T) {
	hn := newHarness(t, Options{CoalesceInterval: 10 * time.Millisecond})
	conn := hn.dial(t)

	hn.hub.Broadcast(protocol.NewMessage(protocol.TypeConfigUpdate, map[string]int{"a": 3}))
	m := read(t, conn)
	assert.JSONEq(t, `{"a":3}`, string(m.Payload))
}

func TestInboundMessages(t *testing.T) {
	var mu sync.Mutex
	var got []protocol.Message
	hn := newHarness(t, Options{OnMessage: func(m protocol.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}})
	conn := hn.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"update-config","payload":{"scale":2}}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, protocol.TypeUpdateConfig, got[0].Type)
	mu.Unlock()
	assert.Equal(t, 1, hn.hub.ClientCount(), "bad frames must not drop the connection")
}

func TestDisconnectAndShutdown(t *testing.T) {
	var mu sync.Mutex
	counts := []int{}
	hn := newHarness(t, Options{Hooks: Hooks{Clients: func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}}})

	conn := hn.dial(t)
	hn.dial(t)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hn.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	hn.close()
	assert.Equal(t, 0, hn.hub.ClientCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1, 0}, counts)
}

func TestIsImmediate(t *testing.T) {
	h := New(Options{}, zerolog.Nop())
	assert.True(t, h.IsImmediate(protocol.TypeTranscription))
	assert.False(t, h.IsImmediate(protocol.TypeConfigUpdate))
}
