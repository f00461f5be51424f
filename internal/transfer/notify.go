package transfer

import "sync/atomic"

// Observer receives progress. Calls come from a dedicated goroutine and
// may be coalesced; the last call of a successful transfer reports
// done == total.
type Observer interface {
	Progress(done, total int64)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(done, total int64)

func (f ObserverFunc) Progress(done, total int64) { f(done, total) }

// notifier forwards the latest progress value to an Observer without
// ever blocking the transfer loop.
type notifier struct {
	obs    Observer
	total  int64
	latest atomic.Int64
	kick   chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newNotifier(obs Observer, total int64) *notifier {
	n := &notifier{
		obs:   obs,
		total: total,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if obs == nil {
		close(n.done)
		return n
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	var sent int64 = -1
	for {
		select {
		case <-n.kick:
			if v := n.latest.Load(); v != sent {
				sent = v
				n.obs.Progress(v, n.total)
			}
		case <-n.stop:
			if v := n.latest.Load(); v != sent {
				n.obs.Progress(v, n.total)
			}
			return
		}
	}
}

func (n *notifier) update(done int64) {
	if n.obs == nil {
		return
	}
	n.latest.Store(done)
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// close flushes the latest value and waits for the observer goroutine.
func (n *notifier) close() {
	if n.obs == nil {
		return
	}
	close(n.stop)
	<-n.done
}
