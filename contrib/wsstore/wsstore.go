// Package wsstore is a store.Client implementation over a websocket RPC.
//
// Frames are CBOR-encoded. Request/response pairs are correlated by a
// client-generated id; live subscriptions are pushed by the server as
// unsolicited frames tagged with the subscription id. Errors carry a
// structured code so the resilience layer's classifier never has to parse
// message text.
package wsstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/liveq-labs/resilient"
	"github.com/liveq-labs/resilient/pkg/logger"
	"github.com/liveq-labs/resilient/pkg/store"
)

const (
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodFetch       = "fetch"

	defaultTimeout = 30 * time.Second
	writeWait      = 10 * time.Second
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("wsstore: client closed")

type request struct {
	ID     string `cbor:"id"`
	Method string `cbor:"method"`
	Sub    string `cbor:"sub,omitempty"`
	Query  any    `cbor:"query,omitempty"`
}

type frame struct {
	ID     string     `cbor:"id,omitempty"`
	Sub    string     `cbor:"sub,omitempty"`
	Code   string     `cbor:"code,omitempty"`
	Error  string     `cbor:"error,omitempty"`
	Result []document `cbor:"result,omitempty"`
}

type document struct {
	ID   string         `cbor:"id"`
	Data map[string]any `cbor:"data"`
}

type liveSub struct {
	onNext func(store.Snapshot)
	onErr  func(error)
}

// Client talks to a document-store gateway over one websocket connection.
type Client struct {
	url     string
	timeout time.Duration
	log     logger.Logger

	conn    *gorilla.Conn
	writeMu sync.Mutex

	respMu    sync.Mutex
	responses map[string]chan frame

	subMu sync.Mutex
	subs  map[string]*liveSub

	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ store.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a Client for the given websocket URL. Call Connect before use.
func New(rawURL string, opts ...Option) *Client {
	c := &Client{
		url:       rawURL,
		timeout:   defaultTimeout,
		log:       logger.Nop(),
		responses: make(map[string]chan frame),
		subs:      make(map[string]*liveSub),
		closeCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the gateway, retrying transient dial failures with
// exponential backoff until the context is cancelled, then starts the read
// loop.
func (c *Client) Connect(ctx context.Context) error {
	dialer := gorilla.Dialer{
		EnableCompression: true,
		HandshakeTimeout:  c.timeout,
	}

	var conn *gorilla.Conn
	operation := func() error {
		var err error
		conn, _, err = dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Debug("dial failed, will retry", "url", c.url, "error", err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("wsstore: dial %s: %w", c.url, err)
	}

	c.conn = conn
	go c.readLoop()

	c.log.Info("connected", "url", c.url)
	return nil
}

// Close shuts the connection down and fails every pending request and live
// subscription. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.conn != nil {
			msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
			deadline := time.Now().Add(writeWait)
			c.writeMu.Lock()
			_ = c.conn.WriteControl(gorilla.CloseMessage, msg, deadline)
			c.writeMu.Unlock()
			err = c.conn.Close()
		}
		c.failAll(ErrClosed)
	})
	return err
}

// Subscribe implements store.Client. The subscription id is generated client
// side; the server acks the subscribe request and then pushes snapshot
// frames tagged with that id until unsubscribed.
func (c *Client) Subscribe(
	ctx context.Context,
	q store.Query,
	onNext func(store.Snapshot),
	onErr func(error),
) (func(), error) {
	subID := uuid.NewString()

	c.subMu.Lock()
	c.subs[subID] = &liveSub{onNext: onNext, onErr: onErr}
	c.subMu.Unlock()

	resp, err := c.send(ctx, request{
		ID:     uuid.NewString(),
		Method: methodSubscribe,
		Sub:    subID,
		Query:  q,
	})
	if err != nil {
		c.removeSub(subID)
		return nil, err
	}
	if resp.Error != "" {
		c.removeSub(subID)
		return nil, remoteError(resp)
	}

	c.log.Debug("live subscription registered", "sub", subID)

	cancel := func() {
		c.removeSub(subID)

		// Best effort: the server drops the subscription on its own when
		// the connection goes away.
		ctx, cancelReq := context.WithTimeout(context.Background(), c.timeout)
		defer cancelReq()
		_, err := c.send(ctx, request{
			ID:     uuid.NewString(),
			Method: methodUnsubscribe,
			Sub:    subID,
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			c.log.Debug("unsubscribe request failed", "sub", subID, "error", err)
		}
	}
	return cancel, nil
}

// Fetch implements store.Client.
func (c *Client) Fetch(ctx context.Context, q store.Query) (store.Snapshot, error) {
	resp, err := c.send(ctx, request{
		ID:     uuid.NewString(),
		Method: methodFetch,
		Query:  q,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, remoteError(resp)
	}
	return toSnapshot(resp.Result), nil
}

func (c *Client) send(ctx context.Context, req request) (frame, error) {
	select {
	case <-c.closeCh:
		return frame{}, ErrClosed
	default:
	}

	ch := make(chan frame, 1)
	c.respMu.Lock()
	c.responses[req.ID] = ch
	c.respMu.Unlock()

	defer func() {
		c.respMu.Lock()
		delete(c.responses, req.ID)
		c.respMu.Unlock()
	}()

	data, err := cbor.Marshal(req)
	if err != nil {
		return frame{}, fmt.Errorf("wsstore: encode request: %w", err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(gorilla.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, resilient.NewError(resilient.KindNetworkUnavailable, err)
	}

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return frame{}, resilient.NewError(classifyCtx(ctx.Err()), ctx.Err())
	case <-timeout.C:
		return frame{}, resilient.NewError(resilient.KindDeadlineExceeded,
			fmt.Errorf("no response to %s within %s", req.Method, c.timeout))
	case <-c.closeCh:
		return frame{}, ErrClosed
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				c.log.Warn("read loop terminated", "error", err)
				c.failAll(resilient.NewError(resilient.KindAborted, err))
			}
			return
		}

		var f frame
		if err := cbor.Unmarshal(data, &f); err != nil {
			c.log.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch {
		case f.ID != "":
			c.respMu.Lock()
			ch, ok := c.responses[f.ID]
			c.respMu.Unlock()
			if ok {
				ch <- f
			}
		case f.Sub != "":
			c.dispatch(f)
		default:
			c.log.Debug("dropping frame with no id")
		}
	}
}

func (c *Client) dispatch(f frame) {
	c.subMu.Lock()
	sub, ok := c.subs[f.Sub]
	c.subMu.Unlock()
	if !ok {
		return
	}

	if f.Error != "" {
		if sub.onErr != nil {
			sub.onErr(remoteError(f))
		}
		return
	}
	sub.onNext(toSnapshot(f.Result))
}

// failAll delivers err to every pending request and live subscription.
func (c *Client) failAll(err error) {
	c.respMu.Lock()
	for id, ch := range c.responses {
		select {
		case ch <- frame{ID: id, Code: codeFor(err), Error: err.Error()}:
		default:
		}
	}
	c.respMu.Unlock()

	c.subMu.Lock()
	subs := make([]*liveSub, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subMu.Unlock()

	for _, sub := range subs {
		if sub.onErr != nil {
			sub.onErr(err)
		}
	}
}

func (c *Client) removeSub(id string) {
	c.subMu.Lock()
	delete(c.subs, id)
	c.subMu.Unlock()
}

func toSnapshot(docs []document) store.Snapshot {
	snap := make(store.Snapshot, len(docs))
	for i, doc := range docs {
		snap[i] = store.Document{ID: doc.ID, Data: doc.Data}
	}
	return snap
}

func classifyCtx(err error) resilient.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return resilient.KindDeadlineExceeded
	}
	return resilient.KindAborted
}
