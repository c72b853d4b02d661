package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rsksmart/RSKWalletConnect/internal/dispatch"
	"github.com/rsksmart/RSKWalletConnect/internal/gate"
	"github.com/rsksmart/RSKWalletConnect/internal/identity"
	"github.com/rsksmart/RSKWalletConnect/internal/metrics"
	"github.com/rsksmart/RSKWalletConnect/internal/wc"
)

// State is the lifecycle position of the (single) session.
type State int

const (
	None State = iota
	Pending
	Connected
	Updating
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Pending:
		return "pending"
	case Connected:
		return "connected"
	case Updating:
		return "updating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrSessionActive = errors.New("a session is already open")
	ErrNoSession     = errors.New("no session is open")

	errChannelClosed = errors.New("channel closed")
)

const notApprovedReason = "session not approved"

type Config struct {
	Registry   *identity.Registry
	Dialer     wc.Dialer
	Gate       gate.Gate
	Dispatcher *dispatch.Dispatcher
	// Meta describes this wallet to peers.
	Meta    wc.PeerMeta
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the session lifecycle. Inbound events of a session are
// handled one at a time, in order, by a single actor goroutine; local
// operations (UpdateSession, Disconnect) may run concurrently with it.
type Manager struct {
	registry   *identity.Registry
	dialer     wc.Dialer
	gate       gate.Gate
	dispatcher *dispatch.Dispatcher
	meta       wc.PeerMeta
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// updateMu orders session updates against session approval.
	updateMu sync.Mutex

	mu      sync.Mutex
	state   State
	cur     *session
	lastErr error
}

type session struct {
	uri    wc.URI
	raw    string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// guarded by Manager.mu
	ch     wc.Channel
	peer   *wc.PeerMeta
	peerID string

	endOnce sync.Once
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := cfg.Dispatcher
	if d == nil {
		d = dispatch.New(dispatch.Config{
			Registry: cfg.Registry,
			Gate:     cfg.Gate,
			Logger:   logger,
			Metrics:  cfg.Metrics,
		})
	}
	return &Manager{
		registry:   cfg.Registry,
		dialer:     cfg.Dialer,
		gate:       cfg.Gate,
		dispatcher: d,
		meta:       cfg.Meta,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open parses the invitation, opens its channel and starts processing
// events. The session stays Pending until the peer's session request is
// approved.
func (m *Manager) Open(ctx context.Context, rawURI string) error {
	uri, err := wc.ParseURI(rawURI)
	if err != nil {
		m.setErr(err)
		return err
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return ErrSessionActive
	}
	sctx, cancel := context.WithCancelCause(context.Background())
	s := &session{uri: uri, raw: rawURI, ctx: sctx, cancel: cancel, done: make(chan struct{})}
	m.cur = s
	m.state = Pending
	m.lastErr = nil
	m.mu.Unlock()
	m.dispatcher.Reset()

	m.logger.Info("Opening session", "topic", uri.Topic, "bridge", uri.Bridge)

	dialCtx, stopDial := context.WithCancel(ctx)
	stop := context.AfterFunc(sctx, stopDial)
	ch, err := m.dialer.Dial(dialCtx, uri)
	stop()
	stopDial()
	if err != nil {
		m.mu.Lock()
		if m.cur == s {
			m.cur = nil
			m.state = None
		}
		m.lastErr = err
		m.mu.Unlock()
		cancel(err)
		close(s.done)
		return err
	}

	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		ch.Close()
		close(s.done)
		return errors.Wrap(ErrNoSession, "session ended while connecting")
	}
	s.ch = ch
	m.mu.Unlock()

	m.metrics.Session("opened")
	go m.run(s, ch)
	return nil
}

// UpdateSession switches the local network and active identity. With a
// connected peer exactly one update is sent over the existing channel;
// otherwise only the registry changes and the selection is used when a
// session is approved.
func (m *Manager) UpdateSession(ctx context.Context, chainID int64, activeSlot int) error {
	network, err := identity.NetworkFromChainID(chainID)
	if err != nil {
		return err
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	s, state := m.cur, m.state
	var ch wc.Channel
	if s != nil && state == Connected {
		m.state = Updating
		ch = s.ch
	}
	m.mu.Unlock()

	ids, err := m.registry.SwitchTo(network, activeSlot)
	if ch == nil {
		if err == nil {
			m.logger.Info("Switched identity", "network", network, "slot", activeSlot)
		}
		return err
	}
	defer func() {
		m.mu.Lock()
		if m.cur == s && m.state == Updating {
			m.state = Connected
		}
		m.mu.Unlock()
	}()
	if err != nil {
		return err
	}

	accounts := make([]string, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, id.Address)
	}
	if err := wc.UpdateSession(ctx, ch, wc.SessionUpdate{
		Approved: true,
		ChainID:  network.ChainID(),
		Accounts: accounts,
	}); err != nil {
		m.setErr(err)
		return err
	}
	m.metrics.Update()
	m.logger.Info("Session updated", "network", network, "slot", activeSlot)
	return nil
}

// Disconnect ends the session locally, telling a connected peer first.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	s, state := m.cur, m.state
	var ch wc.Channel
	if s != nil {
		ch = s.ch
	}
	m.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}

	if ch != nil && (state == Connected || state == Updating) {
		if err := wc.KillSession(ctx, ch); err != nil {
			m.logger.Warn("Failed to notify peer of disconnect", "error", err)
		}
	}
	m.end(s, "disconnected locally")

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends any open session.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.Disconnect(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

// run is the session actor.
func (m *Manager) run(s *session, ch wc.Channel) {
	defer close(s.done)
	q := newEventQueue()
	go pump(s, ch, q)

	for {
		ev, ok := q.pop()
		if !ok || s.ctx.Err() != nil {
			m.end(s, endReason(s.ctx))
			return
		}
		switch ev := ev.(type) {
		case *wc.SessionRequest:
			m.onSessionRequest(s, ch, ev)
		case *wc.CallRequest:
			m.onCallRequest(s, ch, ev)
		case *wc.Disconnect:
			m.end(s, ev.Reason)
			return
		}
	}
}

// pump moves channel events into the actor's queue. A disconnect cancels the
// session context at once, so a gate call in progress is abandoned without
// waiting for the actor to reach the event.
func pump(s *session, ch wc.Channel, q *eventQueue) {
	defer q.close()
	for ev := range ch.Events() {
		if d, ok := ev.(*wc.Disconnect); ok {
			s.cancel(errors.New(d.Reason))
			q.push(ev)
			return
		}
		q.push(ev)
	}
	s.cancel(errChannelClosed)
}

func (m *Manager) onSessionRequest(s *session, ch wc.Channel, ev *wc.SessionRequest) {
	m.mu.Lock()
	if m.cur != s || m.state != Pending {
		m.mu.Unlock()
		m.logger.Warn("Ignoring session request outside pending state", "id", ev.ID)
		return
	}
	meta := ev.PeerMeta
	s.peer = &meta
	s.peerID = ev.PeerID
	m.mu.Unlock()

	logger := m.logger.With("peer", meta.Name, "url", meta.URL)
	logger.Info("Session request")

	m.metrics.PromptOpened()
	asked := time.Now()
	choice, err := m.gate.Ask(s.ctx, gate.Prompt{
		Kind:    gate.KindSession,
		App:     meta.Name,
		Origin:  meta.URL,
		Message: fmt.Sprintf("Name: %s - Description: %s - Url: %s", meta.Name, meta.Description, meta.URL),
	})
	m.metrics.PromptClosed(string(gate.KindSession), time.Since(asked))
	if s.ctx.Err() != nil {
		logger.Info("Session ended while awaiting decision", "choice", choice)
		return
	}
	if err != nil {
		logger.Error("Decision gate failed, rejecting session", "error", err)
		choice = gate.Deny
	}

	if choice != gate.Approve {
		if err := wc.RejectSession(s.ctx, ch, ev.ID); err != nil {
			m.setErr(err)
		}
		m.metrics.Session("rejected")
		m.end(s, "session rejected")
		return
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	cur := m.registry.Current()
	if err := wc.ApproveSession(s.ctx, ch, ev.ID, wc.SessionParams{
		ChainID:     cur.Network.ChainID(),
		NetworkID:   cur.Network.ChainID(),
		Accounts:    cur.Accounts(),
		ActiveIndex: cur.ActiveSlot,
		PeerMeta:    m.meta,
	}); err != nil {
		m.setErr(err)
		m.end(s, "approve failed")
		return
	}

	m.mu.Lock()
	if m.cur == s {
		m.state = Connected
	}
	m.mu.Unlock()
	m.metrics.Session("approved")
	logger.Info("Session approved", "network", cur.Network, "accounts", cur.Accounts())
}

func (m *Manager) onCallRequest(s *session, ch wc.Channel, ev *wc.CallRequest) {
	m.mu.Lock()
	current, state := m.cur == s, m.state
	var peer wc.PeerMeta
	if s.peer != nil {
		peer = *s.peer
	}
	m.mu.Unlock()
	if !current {
		return
	}

	if state != Connected && state != Updating {
		m.logger.Warn("Rejecting call request before approval", "id", ev.ID, "method", ev.Method)
		if _, err := m.dispatcher.Reject(s.ctx, ch, ev, notApprovedReason); err != nil {
			m.setErr(err)
		}
		return
	}

	if _, err := m.dispatcher.Handle(s.ctx, ch, ev, peer); err != nil {
		m.logger.Error("Failed to answer call request", "id", ev.ID, "error", err)
		m.setErr(err)
	}
}

// end tears a session down. It is idempotent and safe from any goroutine.
func (m *Manager) end(s *session, reason string) {
	s.cancel(errors.New(reason))
	s.endOnce.Do(func() {
		m.mu.Lock()
		if m.cur == s {
			m.cur = nil
			m.state = None
		}
		ch := s.ch
		m.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		m.metrics.Session("closed")
		m.logger.Info("Session closed", "reason", reason)
	})
}

func endReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return errChannelClosed.Error()
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}
