package rtps

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type packet struct {
	to Locator
	b  []byte
}

// fakeNetwork queues datagrams between fake transports until the test
// delivers them. Delivery happens on the test goroutine so no participant
// lock is held while another participant receives.
type fakeNetwork struct {
	mu    sync.Mutex
	nodes []*fakeTransport
	queue []packet
	// drop, if set, discards packets it returns true for
	drop func(packet) bool
}

func (n *fakeNetwork) newTransport() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	ip := net.IPv4(10, 0, 0, byte(len(n.nodes)+1))
	pm := portMapping{domainID: 0, participantID: 0}
	t := &fakeTransport{
		net: n,
		locs: locatorSet{
			metaUnicast:      NewUDPv4Locator(ip, uint16(pm.metaUnicastPort())),
			metaMulticast:    NewUDPv4Locator(DefaultMulticastGroup, uint16(pm.metaMulticastPort())),
			defaultUnicast:   NewUDPv4Locator(ip, uint16(pm.userUnicastPort())),
			defaultMulticast: NewUDPv4Locator(DefaultMulticastGroup, uint16(pm.userMulticastPort())),
		},
	}
	n.nodes = append(n.nodes, t)
	return t
}

// deliverAll delivers queued packets, including the ones sent in response,
// until the network is quiet.
func (n *fakeNetwork) deliverAll(t *testing.T) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 10000, "network never went quiet")
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		pkt := n.queue[0]
		n.queue = n.queue[1:]
		drop := n.drop != nil && n.drop(pkt)
		var targets []func([]byte)
		for _, node := range n.nodes {
			if node.listens(pkt.to) && node.rx != nil {
				targets = append(targets, node.rx)
			}
		}
		n.mu.Unlock()

		if drop {
			continue
		}
		for _, rx := range targets {
			rx(pkt.b)
		}
	}
}

// sent returns the queued packets without delivering them.
func (n *fakeNetwork) sent() []packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]packet(nil), n.queue...)
}

func (n *fakeNetwork) discard() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = nil
}

type fakeTransport struct {
	net    *fakeNetwork
	locs   locatorSet
	rx     func([]byte)
	closed bool
}

func (t *fakeTransport) listens(loc Locator) bool {
	for _, l := range []Locator{t.locs.metaUnicast, t.locs.metaMulticast, t.locs.defaultUnicast, t.locs.defaultMulticast} {
		if l.equal(loc) {
			return true
		}
	}
	return false
}

func (t *fakeTransport) locators() locatorSet { return t.locs }

func (t *fakeTransport) start(ctx context.Context, g *errgroup.Group, rx func([]byte)) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.rx = rx
}

func (t *fakeTransport) send(b []byte, to Locator) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.net.queue = append(t.net.queue, packet{to: to, b: append([]byte(nil), b...)})
	return nil
}

func (t *fakeTransport) close() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	t.closed = true
	t.rx = nil
	return nil
}

// newTestParticipant creates a participant on n driven by clk.
func newTestParticipant(t *testing.T, n *fakeNetwork, clk clock.Clock, cfg Config) *Participant {
	t.Helper()
	p, err := NewParticipant(cfg, withTransport(n.newTransport()), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// discover announces every participant and lets discovery settle.
func discover(t *testing.T, n *fakeNetwork, ps ...*Participant) {
	t.Helper()
	for _, p := range ps {
		p.tick()
	}
	n.deliverAll(t)
}

type samples struct {
	mu   sync.Mutex
	got  [][]byte
	info []SampleInfo
}

func (s *samples) handle(info SampleInfo, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, append([]byte(nil), payload...))
	s.info = append(s.info, info)
}

func (s *samples) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func newMockClock() *clock.Mock {
	m := clock.NewMock()
	m.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return m
}
