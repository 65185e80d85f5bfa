package signer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/api"
	"go.uber.org/zap"
)

const (
	frameCommand  = "command"
	frameResponse = "response"
	frameEvent    = "event"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type readyPayload struct {
	Installed bool     `json:"installed"`
	User      HostUser `json:"user"`
}

// WSBridge implements Signer over a websocket connection to the host.
type WSBridge struct {
	l *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
	lost    chan struct{} // closed when the read loop exits
	wg      sync.WaitGroup

	mu        sync.RWMutex
	installed bool
	user      HostUser
	pending   map[string]chan json.RawMessage
	subs      map[uint64]func(api.PaymentPayload)
	nextSubID uint64
}

var _ Signer = (*WSBridge)(nil)

// DialWSBridge connects to the host endpoint and starts reading frames.
func DialWSBridge(ctx context.Context, l *zap.Logger, endpoint string) (*WSBridge, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}

	b := &WSBridge{
		l:       l,
		conn:    conn,
		done:    make(chan struct{}),
		lost:    make(chan struct{}),
		pending: make(map[string]chan json.RawMessage),
		subs:    make(map[uint64]func(api.PaymentPayload)),
	}

	b.wg.Add(1)
	go b.readLoop()

	return b, nil
}

func (b *WSBridge) Available(context.Context) bool {
	if b.closed.Load() || b.isLost() {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.installed
}

func (b *WSBridge) User() HostUser {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.user
}

func (b *WSBridge) WalletAuth(ctx context.Context, req WalletAuthRequest) (api.WalletAuthPayload, error) {
	raw, err := b.call(ctx, CommandWalletAuth, req)
	if err != nil {
		return api.WalletAuthPayload{}, err
	}

	var out api.WalletAuthPayload
	if err := json.Unmarshal(raw, &out); err != nil {
		return api.WalletAuthPayload{}, errors.Wrap(err, "decode walletAuth response")
	}
	return out, nil
}

func (b *WSBridge) Pay(_ context.Context, cmd PayCommand) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshal pay command")
	}
	return b.write(frame{Type: frameCommand, ID: uuid.NewString(), Command: CommandPay, Payload: payload})
}

func (b *WSBridge) SubscribePayments(fn func(api.PaymentPayload)) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close closes the connection and fails outstanding calls.
func (b *WSBridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)

	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := b.conn.Close()
	b.writeMu.Unlock()

	b.wg.Wait()
	return err
}

func (b *WSBridge) call(ctx context.Context, command string, in any) (json.RawMessage, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", command)
	}

	id := uuid.NewString()
	respCh := make(chan json.RawMessage, 1)

	b.mu.Lock()
	b.pending[id] = respCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.write(frame{Type: frameCommand, ID: id, Command: command, Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-b.done:
		return nil, ErrClosed
	case <-b.lost:
		return nil, errors.Wrap(ErrClosed, "signer connection lost")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *WSBridge) write(f frame) error {
	if b.closed.Load() || b.isLost() {
		return ErrClosed
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.conn.WriteJSON(f); err != nil {
		return errors.Wrapf(err, "write %s frame", f.Command)
	}
	return nil
}

func (b *WSBridge) isLost() bool {
	select {
	case <-b.lost:
		return true
	default:
		return false
	}
}

// readLoop owns b.lost: once it returns, pending and future calls fail
// with ErrClosed.
func (b *WSBridge) readLoop() {
	defer b.wg.Done()
	defer close(b.lost)

	for {
		var f frame
		if err := b.conn.ReadJSON(&f); err != nil {
			if !b.closed.Load() {
				b.l.Warn("signer connection lost", zap.Error(err))
			}
			b.mu.Lock()
			b.installed = false
			b.mu.Unlock()
			return
		}
		b.handle(f)
	}
}

func (b *WSBridge) handle(f frame) {
	switch f.Type {
	case frameResponse:
		b.mu.RLock()
		ch, ok := b.pending[f.ID]
		b.mu.RUnlock()
		if ok {
			select {
			case ch <- f.Payload:
			default:
			}
		}
	case frameEvent:
		b.handleEvent(f)
	default:
		b.l.Debug("ignoring signer frame", zap.String("type", f.Type))
	}
}

func (b *WSBridge) handleEvent(f frame) {
	switch f.Event {
	case EventReady:
		var ready readyPayload
		if err := json.Unmarshal(f.Payload, &ready); err != nil {
			b.l.Warn("bad ready event", zap.Error(err))
			return
		}
		b.mu.Lock()
		b.installed = ready.Installed
		b.user = ready.User
		b.mu.Unlock()
		b.l.Info("signer host ready", zap.Bool("installed", ready.Installed))
	case EventMiniAppPayment:
		var p api.PaymentPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			b.l.Warn("bad payment event", zap.Error(err))
			return
		}
		b.mu.RLock()
		handlers := make([]func(api.PaymentPayload), 0, len(b.subs))
		for _, fn := range b.subs {
			handlers = append(handlers, fn)
		}
		b.mu.RUnlock()
		for _, fn := range handlers {
			fn(p)
		}
	default:
		b.l.Debug("ignoring signer event", zap.String("event", f.Event))
	}
}
