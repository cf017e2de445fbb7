package rtps

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// memoryInboxLen bounds the datagrams queued per participant; beyond it
// datagrams are dropped as a full socket buffer would.
const memoryInboxLen = 1024

// MemoryNetwork connects participants of one process without sockets.
// Every participant gets its own address and sees all multicast traffic.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes []*memoryTransport
	next  byte
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{}
}

// Option attaches the participant being created to n.
func (n *MemoryNetwork) Option() Option {
	return func(p *Participant) {
		p.tr = n.newTransport()
	}
}

func (n *MemoryNetwork) newTransport() *memoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	ip := net.IPv4(127, 0, 100, n.next)
	pm := portMapping{}
	t := &memoryTransport{
		net: n,
		locs: locatorSet{
			metaUnicast:      NewUDPv4Locator(ip, uint16(pm.metaUnicastPort())),
			metaMulticast:    NewUDPv4Locator(DefaultMulticastGroup, uint16(pm.metaMulticastPort())),
			defaultUnicast:   NewUDPv4Locator(ip, uint16(pm.userUnicastPort())),
			defaultMulticast: NewUDPv4Locator(DefaultMulticastGroup, uint16(pm.userMulticastPort())),
		},
		inbox: make(chan []byte, memoryInboxLen),
		done:  make(chan struct{}),
	}
	n.nodes = append(n.nodes, t)
	return t
}

type memoryTransport struct {
	net   *MemoryNetwork
	locs  locatorSet
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func (t *memoryTransport) listens(loc Locator) bool {
	for _, l := range []Locator{t.locs.metaUnicast, t.locs.metaMulticast, t.locs.defaultUnicast, t.locs.defaultMulticast} {
		if l.equal(loc) {
			return true
		}
	}
	return false
}

func (t *memoryTransport) locators() locatorSet { return t.locs }

func (t *memoryTransport) start(ctx context.Context, g *errgroup.Group, rx func([]byte)) {
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.done:
				return nil
			case b := <-t.inbox:
				rx(b)
			}
		}
	})
}

func (t *memoryTransport) send(b []byte, to Locator) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case <-t.done:
		return net.ErrClosed
	default:
	}
	for _, node := range n.nodes {
		if !node.listens(to) {
			continue
		}
		select {
		case node.inbox <- append([]byte(nil), b...):
		default:
		}
	}
	return nil
}

func (t *memoryTransport) close() error {
	t.once.Do(func() {
		n := t.net
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, node := range n.nodes {
			if node == t {
				n.nodes = append(n.nodes[:i], n.nodes[i+1:]...)
				break
			}
		}
		close(t.done)
	})
	return nil
}
