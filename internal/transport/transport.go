package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jojopeligroso/mycastle-host/internal/protocol"
)

// DefaultRequestTimeout bounds every in-flight request.
const DefaultRequestTimeout = 30 * time.Second

// ErrClosed is returned when sending over a closed transport.
var ErrClosed = errors.New("transport closed")

// NotificationHandler receives inbound messages that match no pending request.
type NotificationHandler func(msg protocol.Message)

// ExitHandler is invoked once when the underlying stream or subprocess ends.
type ExitHandler func(err error)

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	ch    chan outcome
	timer *time.Timer
}

// Transport frames JSON-RPC messages over a byte-stream pair and correlates
// responses to requests by id. It owns the only id source; callers never mint
// request ids themselves. Safe for concurrent callers: the pending table is
// keyed by request id rather than holding a single in-flight slot.
type Transport struct {
	writer  io.WriteCloser
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	nextID   atomic.Int64
	onNotify atomic.Value // NotificationHandler
	onExit   atomic.Value // ExitHandler
	exited   atomic.Bool

	terminate func() // kills the subprocess, nil for raw streams
}

// New builds a transport over raw streams. The read loop starts immediately.
// A timeout of 0 selects DefaultRequestTimeout.
func New(r io.Reader, w io.WriteCloser, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	t := &Transport{
		writer:  w,
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
	}
	go t.readLoop(r)
	return t
}

// SetNotificationHandler registers the observer for unmatched inbound messages.
func (t *Transport) SetNotificationHandler(h NotificationHandler) {
	t.onNotify.Store(h)
}

// SetExitHandler registers the observer for stream/subprocess termination.
func (t *Transport) SetExitHandler(h ExitHandler) {
	t.onExit.Store(h)
}

// NextID returns a fresh request id from the transport's monotonic counter.
func (t *Transport) NextID() string {
	return strconv.FormatInt(t.nextID.Add(1), 10)
}

// Call sends a request and waits for its response, the per-request timeout, or
// context cancellation, whichever comes first. A timed-out request rejects
// only itself; the transport stays usable.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidParams, "marshal params for %s: %v", method, err)
	}

	id := t.NextID()
	pr := &pendingRequest{ch: make(chan outcome, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[id] = pr
	pr.timer = time.AfterFunc(t.timeout, func() {
		t.reject(id, protocol.Errorf(protocol.CodeInternalError, "request timeout: %s (id=%s)", method, id))
	})
	t.mu.Unlock()

	msg := protocol.Message{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	if err := t.writeMessage(msg); err != nil {
		t.remove(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.remove(id)
		return nil, ctx.Err()
	case out := <-pr.ch:
		return out.result, out.err
	}
}

// Notify sends a fire-and-forget notification (no id, no response expected).
func (t *Transport) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidParams, "marshal params for %s: %v", method, err)
	}
	return t.writeMessage(protocol.Message{JSONRPC: "2.0", Method: method, Params: raw})
}

// Close rejects every pending request with a connection-closed error, closes
// the write side, and terminates the subprocess when one is attached.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stale := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for id, pr := range stale {
		pr.timer.Stop()
		pr.ch <- outcome{err: protocol.Errorf(protocol.CodeConnectionFailed, "connection closed (id=%s)", id)}
	}

	err := t.writer.Close()
	if t.terminate != nil {
		t.terminate()
	}
	return err
}

func (t *Transport) writeMessage(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(data); err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "write message: %v", err)
	}
	return nil
}

func (t *Transport) readLoop(r io.Reader) {
	var framer LineFramer
	buf := make([]byte, 4096)
	var readErr error
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				t.handleLine(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	t.failAll(protocol.NewError(protocol.CodeConnectionFailed, "connection closed"))
	if t.exited.CompareAndSwap(false, true) {
		if h, ok := t.onExit.Load().(ExitHandler); ok && h != nil {
			h(readErr)
		}
	}
}

func (t *Transport) handleLine(line []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Printf("transport: dropping malformed line: %v", err)
		return
	}

	if msg.IsResponse() {
		if t.settle(msg) {
			return
		}
	}
	if h, ok := t.onNotify.Load().(NotificationHandler); ok && h != nil {
		h(msg)
	}
}

// settle resolves or rejects the pending entry matching the response id.
// Returns false when no entry matches, in which case the message is treated
// as a notification.
func (t *Transport) settle(msg protocol.Message) bool {
	t.mu.Lock()
	pr, ok := t.pending[msg.ID]
	if ok {
		delete(t.pending, msg.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pr.timer.Stop()
	if msg.Error != nil {
		pr.ch <- outcome{err: msg.Error}
	} else {
		pr.ch <- outcome{result: msg.Result}
	}
	return true
}

func (t *Transport) reject(id string, err *protocol.Error) {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()
	pr.ch <- outcome{err: err}
}

func (t *Transport) remove(id string) {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		pr.timer.Stop()
	}
}

func (t *Transport) failAll(perr *protocol.Error) {
	t.mu.Lock()
	stale := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()
	for _, pr := range stale {
		pr.timer.Stop()
		pr.ch <- outcome{err: perr}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}
