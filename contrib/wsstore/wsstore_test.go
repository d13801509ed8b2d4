package wsstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveq-labs/resilient"
	"github.com/liveq-labs/resilient/pkg/store"
)

// gateway is a scripted in-process server. handle is invoked once per
// decoded request; it writes whatever frames the scenario calls for.
type gateway struct {
	srv    *httptest.Server
	handle func(conn *gorilla.Conn, req request)
}

func newGateway(t *testing.T, handle func(conn *gorilla.Conn, req request)) *gateway {
	t.Helper()
	g := &gateway{handle: handle}

	upgrader := gorilla.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req request
			require.NoError(t, cbor.Unmarshal(data, &req))
			g.handle(conn, req)
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func writeFrame(t *testing.T, conn *gorilla.Conn, f frame) {
	t.Helper()
	data, err := cbor.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.BinaryMessage, data))
}

func connect(t *testing.T, g *gateway, opts ...Option) *Client {
	t.Helper()
	c := New(g.url(), opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFetchRoundTrip(t *testing.T) {
	g := newGateway(t, func(conn *gorilla.Conn, req request) {
		assert.Equal(t, methodFetch, req.Method)
		writeFrame(t, conn, frame{
			ID: req.ID,
			Result: []document{
				{ID: "post:1", Data: map[string]any{"title": "hello"}},
				{ID: "post:2", Data: map[string]any{"title": "world"}},
			},
		})
	})
	c := connect(t, g)

	snap, err := c.Fetch(context.Background(), "select posts")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "post:1", snap[0].ID)
	assert.Equal(t, "hello", snap[0].Data["title"])
}

func TestFetchRemoteErrorIsClassified(t *testing.T) {
	g := newGateway(t, func(conn *gorilla.Conn, req request) {
		writeFrame(t, conn, frame{
			ID:    req.ID,
			Code:  codeResourceExhausted,
			Error: "rate limited",
		})
	})
	c := connect(t, g)

	_, err := c.Fetch(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, resilient.KindResourceExhausted, resilient.Classify(err))
	assert.Contains(t, err.Error(), "rate limited")
}

func TestSubscribePushDelivery(t *testing.T) {
	g := newGateway(t, func(conn *gorilla.Conn, req request) {
		switch req.Method {
		case methodSubscribe:
			writeFrame(t, conn, frame{ID: req.ID})
			writeFrame(t, conn, frame{
				Sub:    req.Sub,
				Result: []document{{ID: "a", Data: map[string]any{"rev": "v1"}}},
			})
			writeFrame(t, conn, frame{
				Sub:    req.Sub,
				Result: []document{{ID: "a", Data: map[string]any{"rev": "v2"}}},
			})
		case methodUnsubscribe:
			writeFrame(t, conn, frame{ID: req.ID})
		}
	})
	c := connect(t, g)

	snaps := make(chan store.Snapshot, 4)
	cancel, err := c.Subscribe(context.Background(), "live posts",
		func(s store.Snapshot) { snaps <- s },
		func(err error) { t.Errorf("unexpected error: %v", err) })
	require.NoError(t, err)

	first := <-snaps
	second := <-snaps
	assert.Equal(t, "v1", first[0].Data["rev"])
	assert.Equal(t, "v2", second[0].Data["rev"])

	cancel()

	// Frames for a cancelled subscription are dropped.
	select {
	case s := <-snaps:
		t.Fatalf("snapshot after cancel: %v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeRejectionRemovesListener(t *testing.T) {
	g := newGateway(t, func(conn *gorilla.Conn, req request) {
		writeFrame(t, conn, frame{ID: req.ID, Code: codeInternal, Error: "bad query"})
	})
	c := connect(t, g)

	_, err := c.Subscribe(context.Background(), "bogus", func(store.Snapshot) {}, nil)
	require.Error(t, err)
	assert.Equal(t, resilient.KindInternal, resilient.Classify(err))

	c.subMu.Lock()
	defer c.subMu.Unlock()
	assert.Empty(t, c.subs)
}

func TestSubscriptionErrorFrame(t *testing.T) {
	g := newGateway(t, func(conn *gorilla.Conn, req request) {
		if req.Method != methodSubscribe {
			return
		}
		writeFrame(t, conn, frame{ID: req.ID})
		writeFrame(t, conn, frame{Sub: req.Sub, Code: codeUnavailable, Error: "shard down"})
	})
	c := connect(t, g)

	errs := make(chan error, 1)
	_, err := c.Subscribe(context.Background(), "q",
		func(store.Snapshot) {}, func(err error) { errs <- err })
	require.NoError(t, err)

	got := <-errs
	assert.Equal(t, resilient.KindNetworkUnavailable, resilient.Classify(got))
}

func TestConnectionDropAbortsListeners(t *testing.T) {
	g := newGateway(t, func(conn *gorilla.Conn, req request) {
		if req.Method == methodSubscribe {
			writeFrame(t, conn, frame{ID: req.ID})
			_ = conn.Close()
		}
	})
	c := connect(t, g)

	errs := make(chan error, 1)
	_, err := c.Subscribe(context.Background(), "q",
		func(store.Snapshot) {}, func(err error) { errs <- err })
	require.NoError(t, err)

	got := <-errs
	assert.Equal(t, resilient.KindAborted, resilient.Classify(got))
	assert.True(t, resilient.Classify(got).TripsBreaker())
}

func TestRequestTimeout(t *testing.T) {
	g := newGateway(t, func(*gorilla.Conn, request) {
		// Never answer.
	})
	c := connect(t, g, WithTimeout(30*time.Millisecond))

	_, err := c.Fetch(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, resilient.KindDeadlineExceeded, resilient.Classify(err))
}

func TestFetchHonoursContextCancellation(t *testing.T) {
	g := newGateway(t, func(*gorilla.Conn, request) {})
	c := connect(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Fetch(ctx, "q")
	require.Error(t, err)
	assert.Equal(t, resilient.KindAborted, resilient.Classify(err))
}

func TestOperationsAfterClose(t *testing.T) {
	g := newGateway(t, func(conn *gorilla.Conn, req request) {
		writeFrame(t, conn, frame{ID: req.ID})
	})
	c := connect(t, g)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Fetch(context.Background(), "q")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestWireCodeMapping(t *testing.T) {
	kinds := map[string]resilient.Kind{
		codeAborted:           resilient.KindAborted,
		codeUnavailable:       resilient.KindNetworkUnavailable,
		codeDeadlineExceeded:  resilient.KindDeadlineExceeded,
		codeResourceExhausted: resilient.KindResourceExhausted,
		codeInternal:          resilient.KindInternal,
	}
	for code, kind := range kinds {
		assert.Equal(t, kind, kindFromCode(code), code)
		assert.Equal(t, code, codeFor(resilient.NewError(kind, errors.New("x"))), code)
	}

	assert.Equal(t, resilient.KindOther, kindFromCode("banana"))
	assert.Equal(t, "", codeFor(errors.New("untagged")))
}
