package hublink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MaxEnvelopeSize bounds one newline-delimited envelope. Control frames top
// out at 10 MB; base64 expansion plus JSON overhead fits well under this.
const MaxEnvelopeSize = 24 << 20

// DefaultCallTimeout applies to Call when the caller's context carries no
// deadline of its own.
const DefaultCallTimeout = 10 * time.Second

// ErrClosed is returned by Call and Notify after the link has shut down.
var ErrClosed = errors.New("hublink: connection closed")

// Handler processes one inbound request or notification. The returned value
// is marshaled into the reply for requests and discarded for notifications.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Peer is one end of a hublink connection. Both sides can issue requests
// and notifications concurrently; writes are serialized on the stream.
type Peer struct {
	rwc io.ReadWriteCloser
	log *slog.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]Handler
	// fallback receives envelopes with no registered handler, mainly the
	// broadcast stream on the edge side.
	fallback func(Envelope)

	pendingMu sync.Mutex
	pending   map[uint64]chan Envelope

	nextID atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewPeer wraps a reliable ordered stream. Serve must be started for any
// replies or inbound traffic to flow.
func NewPeer(rwc io.ReadWriteCloser, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}
	return &Peer{
		rwc:      rwc,
		log:      log,
		handlers: make(map[string]Handler),
		pending:  make(map[uint64]chan Envelope),
		closed:   make(chan struct{}),
	}
}

// Handle registers the handler for a method. Registration after Serve has
// started is allowed but races with inbound traffic for that method.
func (p *Peer) Handle(method string, h Handler) {
	p.handlerMu.Lock()
	p.handlers[method] = h
	p.handlerMu.Unlock()
}

// HandleFallback registers a catch-all for envelopes without a handler.
func (p *Peer) HandleFallback(fn func(Envelope)) {
	p.handlerMu.Lock()
	p.fallback = fn
	p.handlerMu.Unlock()
}

// Serve reads envelopes until the stream fails or ctx is canceled. It
// always returns a non-nil error; io.EOF means the peer closed cleanly.
func (p *Peer) Serve(ctx context.Context) error {
	defer p.shutdown(nil)

	go func() {
		select {
		case <-ctx.Done():
			p.shutdown(ctx.Err())
		case <-p.closed:
		}
	}()

	sc := bufio.NewScanner(p.rwc)
	sc.Buffer(make([]byte, 64*1024), MaxEnvelopeSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			p.log.Warn("hublink: bad envelope", "error", err)
			continue
		}
		if env.Reply {
			p.deliverReply(env)
			continue
		}
		p.dispatch(ctx, env)
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	p.shutdown(err)
	return err
}

func (p *Peer) deliverReply(env Envelope) {
	p.pendingMu.Lock()
	ch, ok := p.pending[env.ID]
	delete(p.pending, env.ID)
	p.pendingMu.Unlock()
	if !ok {
		p.log.Debug("hublink: reply for unknown call", "id", env.ID)
		return
	}
	ch <- env
}

func (p *Peer) dispatch(ctx context.Context, env Envelope) {
	p.handlerMu.RLock()
	h, ok := p.handlers[env.Method]
	fallback := p.fallback
	p.handlerMu.RUnlock()

	if !ok {
		if fallback != nil {
			fallback(env)
			return
		}
		if env.ID != 0 {
			p.reply(env.ID, nil, fmt.Errorf("unknown method %q", env.Method))
		} else {
			p.log.Debug("hublink: unhandled notification", "method", env.Method)
		}
		return
	}

	// Handlers run off the read loop so a slow one cannot stall replies to
	// our own outstanding calls.
	go func() {
		result, err := h(ctx, env.Params)
		if env.ID != 0 {
			p.reply(env.ID, result, err)
		} else if err != nil {
			p.log.Warn("hublink: notification handler failed", "method", env.Method, "error", err)
		}
	}()
}

func (p *Peer) reply(id uint64, result any, err error) {
	env := Envelope{ID: id, Reply: true}
	if err != nil {
		env.Error = err.Error()
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			env.Error = fmt.Sprintf("marshal result: %v", merr)
		} else {
			env.Params = data
		}
	}
	if werr := p.write(env); werr != nil {
		p.log.Warn("hublink: reply write failed", "id", id, "error", werr)
	}
}

func (p *Peer) write(env Envelope) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("hublink: marshal envelope: %w", err)
	}
	data = append(data, '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.rwc.Write(data)
	return err
}

// Call sends a request and decodes the reply into result (which may be nil
// when the caller only needs success/failure).
func (p *Peer) Call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	env := Envelope{Method: method, ID: p.nextID.Add(1)}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("hublink: marshal params: %w", err)
		}
		env.Params = data
	}

	ch := make(chan Envelope, 1)
	p.pendingMu.Lock()
	p.pending[env.ID] = ch
	p.pendingMu.Unlock()

	if err := p.write(env); err != nil {
		p.pendingMu.Lock()
		delete(p.pending, env.ID)
		p.pendingMu.Unlock()
		return err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return fmt.Errorf("hublink: %s: %s", method, reply.Error)
		}
		if result != nil && len(reply.Params) > 0 {
			if err := json.Unmarshal(reply.Params, result); err != nil {
				return fmt.Errorf("hublink: decode %s reply: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		p.pendingMu.Lock()
		delete(p.pending, env.ID)
		p.pendingMu.Unlock()
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	}
}

// Notify sends a fire-and-forget envelope.
func (p *Peer) Notify(method string, params any) error {
	env := Envelope{Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("hublink: marshal params: %w", err)
		}
		env.Params = data
	}
	return p.write(env)
}

// NotifySeq sends a broadcast notification stamped with a sequence number.
func (p *Peer) NotifySeq(method string, seq uint64, params any) error {
	env := Envelope{Method: method, Seq: seq}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("hublink: marshal params: %w", err)
		}
		env.Params = data
	}
	return p.write(env)
}

// Close tears the link down and fails all outstanding calls.
func (p *Peer) Close() error {
	p.shutdown(ErrClosed)
	return nil
}

// Done is closed when the link has shut down.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// Err reports why the link shut down; nil while it is still up.
func (p *Peer) Err() error {
	select {
	case <-p.closed:
		return p.closeErr
	default:
		return nil
	}
}

func (p *Peer) shutdown(err error) {
	p.closeOnce.Do(func() {
		p.closeErr = err
		close(p.closed)
		p.rwc.Close()

		p.pendingMu.Lock()
		for id, ch := range p.pending {
			delete(p.pending, id)
			ch <- Envelope{ID: id, Reply: true, Error: ErrClosed.Error()}
		}
		p.pendingMu.Unlock()
	})
}
