package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transport"
)

type managerFixture struct {
	network *transport.MemNetwork
	table   *dc.Table
	store   *session.MemoryStore
	dcs     map[int]*fakeDC
	mgr     *Manager
}

func newManagerFixture(t *testing.T, idle time.Duration) *managerFixture {
	t.Helper()
	network := transport.NewMemNetwork()
	table := dc.NewTable(
		dc.Option{ID: 1, Host: "dc1", Port: 443},
		dc.Option{ID: 2, Host: "dc2", Port: 443},
		dc.Option{ID: 5, Host: "cdn5", Port: 443, CDN: true},
	)
	f := &managerFixture{
		network: network,
		table:   table,
		store:   session.NewMemoryStore(),
		dcs:     make(map[int]*fakeDC),
	}
	for _, o := range table.Options() {
		f.dcs[o.ID] = startFakeDC(t, network, o.Host+":443", o.ID, echoLocate)
	}
	require.NoError(t, f.store.Put(testSession()))

	f.mgr = NewManager(network, f.store, table, Options{
		SendTimeout:       time.Second,
		IdleTimeout:       idle,
		ReconnectInterval: time.Millisecond,
		Logger:            quietLogger(),
	})
	t.Cleanup(func() { f.mgr.Close() })
	return f
}

func waitClosed(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel still open")
	}
}

func TestManager_MainSharesOneChannel(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	a, err := f.mgr.Main(ctx)
	require.NoError(t, err)
	b, err := f.mgr.Main(ctx)
	require.NoError(t, err)
	defer a.Release()
	defer b.Release()

	assert.Same(t, a.Channel(), b.Channel())
	handshakes, _ := f.dcs[1].counts()
	assert.Equal(t, 1, handshakes)

	stored, err := f.store.Get()
	require.NoError(t, err)
	assert.Equal(t, a.Channel().Session().AuthKey, stored.AuthKey, "negotiated key should be persisted")
}

func TestManager_IdleChannelCloses(t *testing.T) {
	f := newManagerFixture(t, 30*time.Millisecond)

	lease, err := f.mgr.Main(context.Background())
	require.NoError(t, err)
	ch := lease.Channel()
	lease.Release()
	lease.Release()

	waitClosed(t, ch)

	_, err = f.store.Get()
	assert.NoError(t, err, "main session survives its channel")

	again, err := f.mgr.Main(context.Background())
	require.NoError(t, err)
	defer again.Release()
	assert.NotSame(t, ch, again.Channel())
	_, resumed := f.dcs[1].counts()
	assert.Equal(t, 1, resumed, "second open should resume the stored key")
}

func TestManager_HeldLeaseSurvivesIdleTimeout(t *testing.T) {
	f := newManagerFixture(t, 10*time.Millisecond)

	lease, err := f.mgr.Main(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	time.Sleep(50 * time.Millisecond)
	_, err = locate(context.Background(), lease.Channel(), "alive")
	assert.NoError(t, err)
}

func TestManager_MigrateSwapsMain(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	old, err := f.mgr.Main(ctx)
	require.NoError(t, err)
	oldCh := old.Channel()

	moved, err := f.mgr.Migrate(ctx, 2)
	require.NoError(t, err)
	defer moved.Release()

	assert.Equal(t, 2, moved.Channel().Session().DCID)
	stored, err := f.store.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, stored.DCID)

	// The old channel still serves its holder.
	_, err = locate(ctx, oldCh, "in-flight")
	assert.NoError(t, err)

	next, err := f.mgr.Main(ctx)
	require.NoError(t, err)
	assert.Same(t, moved.Channel(), next.Channel())
	next.Release()

	old.Release()
	waitClosed(t, oldCh)

	again, err := f.mgr.Migrate(ctx, 2)
	require.NoError(t, err)
	defer again.Release()
	assert.Same(t, moved.Channel(), again.Channel(), "migrating to the current dc is a no-op")
}

// slowDialer delays dials to one address.
type slowDialer struct {
	transport.Dialer
	addr  string
	delay time.Duration
}

func (d slowDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	if addr == d.addr {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.Dialer.Dial(ctx, addr)
}

func TestManager_MigrateWinsOverPendingMainOpen(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	mgr := NewManager(slowDialer{Dialer: f.network, addr: "dc1:443", delay: 200 * time.Millisecond}, f.store, f.table, Options{
		SendTimeout:       time.Second,
		ReconnectInterval: time.Millisecond,
		Logger:            quietLogger(),
	})
	defer mgr.Close()
	ctx := context.Background()

	type result struct {
		lease *Lease
		err   error
	}
	pending := make(chan result, 1)
	go func() {
		l, err := mgr.Main(ctx)
		pending <- result{l, err}
	}()

	time.Sleep(50 * time.Millisecond)
	moved, err := mgr.Migrate(ctx, 2)
	require.NoError(t, err)
	defer moved.Release()

	r := <-pending
	require.NoError(t, r.err)
	defer r.lease.Release()
	assert.Same(t, moved.Channel(), r.lease.Channel(), "pending open leases the migrated channel")

	stored, err := f.store.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, stored.DCID)

	next, err := mgr.Main(ctx)
	require.NoError(t, err)
	defer next.Release()
	assert.Equal(t, 2, next.Channel().Session().DCID)
}

func TestManager_MigrateUnknownDatacenter(t *testing.T) {
	f := newManagerFixture(t, time.Minute)

	_, err := f.mgr.Migrate(context.Background(), 99)
	assert.True(t, errors.Is(err, dc.ErrUnknownDatacenter), "got %v", err)
	stored, err := f.store.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DCID)
}

func TestManager_ConcurrentReopenOpensOnce(t *testing.T) {
	f := newManagerFixture(t, time.Minute)
	ctx := context.Background()

	lease, err := f.mgr.Main(ctx)
	require.NoError(t, err)
	stale := lease.Channel()
	f.network.Sever("dc1:443")
	waitClosed(t, stale)
	lease.Release()

	var wg sync.WaitGroup
	got := make([]*Channel, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := f.mgr.Reopen(ctx, stale)
			if err != nil {
				t.Errorf("Reopen error: %v", err)
				return
			}
			got[i] = l.Channel()
			l.Release()
		}(i)
	}
	wg.Wait()

	for _, ch := range got[1:] {
		assert.Same(t, got[0], ch)
	}
	handshakes, _ := f.dcs[1].counts()
	assert.Equal(t, 2, handshakes)
}

func TestManager_CDNSessionDroppedWhenChannelCloses(t *testing.T) {
	f := newManagerFixture(t, 20*time.Millisecond)

	lease, err := f.mgr.CDN(context.Background(), 5)
	require.NoError(t, err)
	ch := lease.Channel()

	cached, ok := f.store.CDN(5)
	require.True(t, ok)
	assert.False(t, cached.ExpiresAt.IsZero(), "cdn sessions carry a ttl")

	lease.Release()
	waitClosed(t, ch)

	require.Eventually(t, func() bool {
		_, ok := f.store.CDN(5)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_Close(t *testing.T) {
	f := newManagerFixture(t, time.Minute)

	lease, err := f.mgr.Main(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.mgr.Close())
	waitClosed(t, lease.Channel())
	lease.Release()

	_, err = f.mgr.Main(context.Background())
	assert.ErrorIs(t, err, ErrManagerClosed)
}
