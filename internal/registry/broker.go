package registry

import (
	"sync"

	"github.com/sitekeeper/master/internal/domain"
)

// connectivityBroker fans out ConnectivityEvents to every subscriber — the
// coordinator subscribes once when it is constructed and routes each event
// to the active NodeActions that target that node (spec.md §4.4.5). Modeled on the publish/subscribe broker pattern used
// elsewhere in the retrieved pack for in-process event distribution.
type connectivityBroker struct {
	mu          sync.RWMutex
	subscribers map[chan domain.ConnectivityEvent]struct{}
}

func newConnectivityBroker() *connectivityBroker {
	return &connectivityBroker{
		subscribers: make(map[chan domain.ConnectivityEvent]struct{}),
	}
}

func (b *connectivityBroker) subscribe() chan domain.ConnectivityEvent {
	ch := make(chan domain.ConnectivityEvent, 32)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *connectivityBroker) unsubscribe(ch chan domain.ConnectivityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// publish fans the event out to every subscriber without blocking on a slow
// or full one — a disconnected coordinator mailbox must never stall the
// registry's sweeper loop.
func (b *connectivityBroker) publish(ev domain.ConnectivityEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
