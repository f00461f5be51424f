package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transport"
)

// ErrManagerClosed is returned once the manager has been shut down.
var ErrManagerClosed = errors.New("channel manager closed")

// Options tune a Manager. Zero values select defaults.
type Options struct {
	SendTimeout       time.Duration // per-request bound (default 10s)
	IdleTimeout       time.Duration // how long an unused channel stays open (default 30s)
	CDNSessionTTL     time.Duration // lifetime of a cached CDN session (default 1h)
	ReconnectInterval time.Duration // minimum spacing between channel opens after the burst (default 200ms)
	ReconnectBurst    int           // opens allowed back to back (default 4)
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.CDNSessionTTL <= 0 {
		o.CDNSessionTTL = time.Hour
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 200 * time.Millisecond
	}
	if o.ReconnectBurst <= 0 {
		o.ReconnectBurst = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// role names "the active channel" slot: the main datacenter, or one CDN
// datacenter.
type role struct {
	kind session.Kind
	dcID int
}

var mainRole = role{kind: session.KindMain}

func roleOf(s session.Session) role {
	if s.Kind == session.KindCDN {
		return role{kind: session.KindCDN, dcID: s.DCID}
	}
	return mainRole
}

type entry struct {
	ch     *Channel
	role   role
	refs   int
	active bool
	idle   *time.Timer
}

type openCall struct {
	done chan struct{}
}

// Manager owns one active channel per role and hands out leases on them.
// Channels are reference counted: a swapped-out channel closes when its last
// lease is released, and an active one after sitting unused for IdleTimeout.
type Manager struct {
	dialer   transport.Dialer
	store    session.Store
	resolver dc.Resolver
	opts     Options
	logger   *slog.Logger
	limiter  *rate.Limiter
	now      func() time.Time

	mu      sync.Mutex
	active  map[role]*entry
	entries map[*Channel]*entry
	opening map[role]*openCall
	// gen counts installs per role; an open that started under an older
	// generation is discarded instead of replacing the newer channel.
	gen    map[role]uint64
	closed bool
}

// NewManager creates a manager. The store must already hold a Main
// session, or Migrate must be called before Main.
func NewManager(dialer transport.Dialer, store session.Store, resolver dc.Resolver, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		dialer:   dialer,
		store:    store,
		resolver: resolver,
		opts:     opts,
		logger:   opts.Logger,
		limiter:  rate.NewLimiter(rate.Every(opts.ReconnectInterval), opts.ReconnectBurst),
		now:      time.Now,
		active:   make(map[role]*entry),
		entries:  make(map[*Channel]*entry),
		opening:  make(map[role]*openCall),
		gen:      make(map[role]uint64),
	}
}

// Lease is a counted reference to a channel. Release it exactly once when
// the caller is done; further calls are no-ops.
type Lease struct {
	m    *Manager
	e    *entry
	once sync.Once
}

// Channel returns the leased channel.
func (l *Lease) Channel() *Channel { return l.e.ch }

// Release drops the reference.
func (l *Lease) Release() {
	l.once.Do(func() { l.m.release(l.e) })
}

// Open establishes a channel for sess without installing it in any role.
func (m *Manager) Open(ctx context.Context, sess session.Session) (*Channel, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return Open(ctx, m.dialer, sess, m.opts.SendTimeout, m.logger)
}

// Main leases the active main channel, opening one from the stored Main
// session if none is live.
func (m *Manager) Main(ctx context.Context) (*Lease, error) {
	return m.acquire(ctx, mainRole, m.openMain)
}

// CDN leases the channel for a CDN datacenter, reusing a cached CDN session
// when one is stored and unexpired.
func (m *Manager) CDN(ctx context.Context, dcID int) (*Lease, error) {
	r := role{kind: session.KindCDN, dcID: dcID}
	return m.acquire(ctx, r, func(ctx context.Context) (*Channel, error) {
		return m.openCDN(ctx, dcID)
	})
}

// Reopen replaces a dead channel with a fresh one for the same session.
// When another caller already replaced it, the replacement is leased
// instead, so concurrent reopens produce a single new channel.
func (m *Manager) Reopen(ctx context.Context, stale *Channel) (*Lease, error) {
	r := roleOf(stale.Session())

	m.mu.Lock()
	if e := m.active[r]; e != nil && e.ch == stale {
		m.retireLocked(e)
	}
	m.mu.Unlock()
	stale.Close()

	if r == mainRole {
		return m.Main(ctx)
	}
	return m.CDN(ctx, r.dcID)
}

// Migrate moves the main role to datacenter dcID: it resolves the address,
// opens a channel, stores the new Main session and swaps the channel in.
// A main open already in flight loses to the migration. Channels still
// leased by other transfers stay open until released.
func (m *Manager) Migrate(ctx context.Context, dcID int) (*Lease, error) {
	if lease := m.leaseIfMain(dcID); lease != nil {
		return lease, nil
	}

	host, port, err := m.resolver.Resolve(dcID)
	if err != nil {
		return nil, err
	}
	sess := session.Session{
		DCID:      dcID,
		Host:      host,
		Port:      port,
		Kind:      session.KindMain,
		CreatedAt: m.now(),
	}
	ch, err := m.Open(ctx, sess)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ch.Close()
		return nil, ErrManagerClosed
	}
	if e := m.active[mainRole]; e != nil && e.ch.Session().DCID == dcID && !e.ch.closed() {
		// Lost the race to a concurrent migration to the same datacenter.
		e.refs++
		m.stopIdleLocked(e)
		m.mu.Unlock()
		ch.Close()
		return &Lease{m: m, e: e}, nil
	}
	if err := m.store.Put(ch.Session()); err != nil {
		m.mu.Unlock()
		ch.Close()
		return nil, err
	}
	e := m.installLocked(mainRole, ch)
	e.refs++
	m.mu.Unlock()

	m.logger.Info("migrated main datacenter", "dc", dcID, "addr", sess.Addr())
	return &Lease{m: m, e: e}, nil
}

func (m *Manager) leaseIfMain(dcID int) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.active[mainRole]
	if e == nil || e.ch.closed() || e.ch.Session().DCID != dcID {
		return nil
	}
	e.refs++
	m.stopIdleLocked(e)
	return &Lease{m: m, e: e}
}

func (m *Manager) openMain(ctx context.Context) (*Channel, error) {
	sess, err := m.store.Get()
	if err != nil {
		return nil, fmt.Errorf("load main session: %w", err)
	}
	sess.Kind = session.KindMain
	return m.Open(ctx, sess)
}

func (m *Manager) openCDN(ctx context.Context, dcID int) (*Channel, error) {
	sess, ok := m.store.CDN(dcID)
	if !ok {
		host, port, err := m.resolver.Resolve(dcID)
		if err != nil {
			return nil, err
		}
		now := m.now()
		sess = session.Session{
			DCID:      dcID,
			Host:      host,
			Port:      port,
			Kind:      session.KindCDN,
			CreatedAt: now,
			ExpiresAt: now.Add(m.opts.CDNSessionTTL),
		}
	}
	return m.Open(ctx, sess)
}

// acquire leases the live channel for r, or opens one. Concurrent callers
// for the same role wait for a single open. The opened session is stored
// and installed only if no other channel was installed for r meanwhile.
func (m *Manager) acquire(ctx context.Context, r role, open func(context.Context) (*Channel, error)) (*Lease, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		if e := m.active[r]; e != nil {
			if !e.ch.closed() {
				e.refs++
				m.stopIdleLocked(e)
				m.mu.Unlock()
				return &Lease{m: m, e: e}, nil
			}
			m.retireLocked(e)
		}
		if call := m.opening[r]; call != nil {
			m.mu.Unlock()
			select {
			case <-call.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		call := &openCall{done: make(chan struct{})}
		m.opening[r] = call
		gen := m.gen[r]
		m.mu.Unlock()

		ch, err := open(ctx)

		m.mu.Lock()
		delete(m.opening, r)
		close(call.done)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if m.closed {
			m.mu.Unlock()
			ch.Close()
			return nil, ErrManagerClosed
		}
		if m.gen[r] != gen {
			m.mu.Unlock()
			ch.Close()
			continue
		}
		if err := m.store.Put(ch.Session()); err != nil {
			m.mu.Unlock()
			ch.Close()
			return nil, err
		}
		e := m.installLocked(r, ch)
		e.refs++
		m.mu.Unlock()
		return &Lease{m: m, e: e}, nil
	}
}

// installLocked makes ch the active channel for r, retiring the previous one.
func (m *Manager) installLocked(r role, ch *Channel) *entry {
	if old := m.active[r]; old != nil {
		m.retireLocked(old)
	}
	e := &entry{ch: ch, role: r, active: true}
	m.gen[r]++
	m.active[r] = e
	m.entries[ch] = e
	return e
}

// retireLocked removes e from its role. It closes immediately when unused;
// otherwise the last Release closes it.
func (m *Manager) retireLocked(e *entry) {
	if m.active[e.role] == e {
		delete(m.active, e.role)
	}
	e.active = false
	m.stopIdleLocked(e)
	if e.refs == 0 {
		m.discardLocked(e)
	}
}

func (m *Manager) stopIdleLocked(e *entry) {
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
}

func (m *Manager) discardLocked(e *entry) {
	delete(m.entries, e.ch)
	e.ch.Close()
	if e.role.kind == session.KindCDN {
		if err := m.store.Delete(session.KindCDN, e.role.dcID); err != nil {
			m.logger.Warn("drop cdn session failed", "dc", e.role.dcID, "error", err)
		}
	}
}

func (m *Manager) release(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return
	}
	if !e.active || m.closed {
		m.discardLocked(e)
		return
	}
	e.idle = time.AfterFunc(m.opts.IdleTimeout, func() { m.expire(e) })
}

func (m *Manager) expire(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.refs > 0 || !e.active || m.active[e.role] != e {
		return
	}
	m.logger.Debug("closing idle channel", "dc", e.ch.Session().DCID, "kind", e.role.kind.String())
	delete(m.active, e.role)
	e.active = false
	e.idle = nil
	m.discardLocked(e)
}

// Close shuts every channel down. Outstanding leases stay valid objects but
// their channels report ErrChannelClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, e := range m.entries {
		m.stopIdleLocked(e)
		e.active = false
		e.ch.Close()
	}
	m.active = make(map[role]*entry)
	return nil
}
