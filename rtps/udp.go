package rtps

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const (
	// default port mapping, RTPS 2.1 section 9.6.1.1
	portPB = 7400
	portDG = 250
	portPG = 2
	portD0 = 0
	portD1 = 10
	portD2 = 1
	portD3 = 11

	// OpenSplice sends datagrams larger than the MTU, so take whatever
	// UDP can carry.
	maxDatagram = 65507
)

// DefaultMulticastGroup is the default SPDP multicast address.
var DefaultMulticastGroup = net.IPv4(239, 255, 0, 1)

// transport moves RTPS messages. The UDP implementation is the only one used
// outside of tests.
type transport interface {
	locators() locatorSet
	start(ctx context.Context, g *errgroup.Group, rx func([]byte))
	send(b []byte, to Locator) error
	close() error
}

type locatorSet struct {
	participantID    int
	metaUnicast      Locator
	metaMulticast    Locator
	defaultUnicast   Locator
	defaultMulticast Locator
}

type portMapping struct {
	domainID      uint32
	participantID int
}

func (pm portMapping) metaMulticastPort() int {
	return portPB + portDG*int(pm.domainID) + portD0
}

func (pm portMapping) metaUnicastPort() int {
	return portPB + portDG*int(pm.domainID) + portD1 + portPG*pm.participantID
}

func (pm portMapping) userMulticastPort() int {
	return portPB + portDG*int(pm.domainID) + portD2
}

func (pm portMapping) userUnicastPort() int {
	return portPB + portDG*int(pm.domainID) + portD3 + portPG*pm.participantID
}

type udpTransport struct {
	logger    *zap.Logger
	iface     *net.Interface
	locs      locatorSet
	conns     []*net.UDPConn
	tx        *net.UDPConn
	closeOnce sync.Once
	closeErr  error
}

func newUDPTransport(cfg Config, domainID uint32, logger *zap.Logger) (*udpTransport, error) {
	iface, ip, err := selectInterface(cfg.Interface)
	if err != nil {
		return nil, err
	}
	logger.Debug("Selected interface",
		zap.String("interface", iface.Name), zap.Int("mtu", iface.MTU), zap.Stringer("ip", ip))

	t := &udpTransport{logger: logger, iface: iface}
	if err := t.bindUnicast(ip, domainID, cfg.MaxParticipantIndex); err != nil {
		return nil, err
	}

	pm := portMapping{domainID: domainID, participantID: t.locs.participantID}
	t.locs.metaMulticast = NewUDPv4Locator(cfg.MulticastGroup, uint16(pm.metaMulticastPort()))
	t.locs.defaultMulticast = NewUDPv4Locator(cfg.MulticastGroup, uint16(pm.userMulticastPort()))
	for _, loc := range []Locator{t.locs.metaMulticast, t.locs.defaultMulticast} {
		if err := t.joinMulticast(loc); err != nil {
			return nil, multierr.Append(err, t.close())
		}
	}

	// outgoing multicast leaves through the selected interface, and other
	// participants on this host must see it
	pc := ipv4.NewPacketConn(t.tx)
	if err := pc.SetMulticastInterface(iface); err != nil {
		logger.Warn("Failed to set multicast interface", zap.String("interface", iface.Name), zap.Error(err))
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		logger.Warn("Failed to enable multicast loopback", zap.Error(err))
	}
	return t, nil
}

// bindUnicast scans participant ids until both unicast ports are free.
func (t *udpTransport) bindUnicast(ip net.IP, domainID uint32, maxIndex int) error {
	for pid := 0; pid <= maxIndex; pid++ {
		pm := portMapping{domainID: domainID, participantID: pid}
		if pm.userUnicastPort() > 0xffff {
			break
		}
		meta, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: pm.metaUnicastPort()})
		if err != nil {
			continue
		}
		user, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: pm.userUnicastPort()})
		if err != nil {
			meta.Close()
			continue
		}
		t.conns = append(t.conns, meta, user)
		t.tx = meta
		t.locs.participantID = pid
		t.locs.metaUnicast = NewUDPv4Locator(ip, uint16(pm.metaUnicastPort()))
		t.locs.defaultUnicast = NewUDPv4Locator(ip, uint16(pm.userUnicastPort()))
		t.logger.Debug("Bound unicast ports", zap.Int("participant_id", pid),
			zap.Stringer("meta", t.locs.metaUnicast), zap.Stringer("user", t.locs.defaultUnicast))
		return nil
	}
	return errors.Wrapf(ErrNoParticipantIndex, "domain %d, %s", domainID, ip)
}

func (t *udpTransport) joinMulticast(loc Locator) error {
	conn, err := net.ListenMulticastUDP("udp4", t.iface, loc.UDPAddr())
	if err != nil {
		return errors.Wrapf(err, "join %s", loc)
	}
	t.conns = append(t.conns, conn)
	return nil
}

func (t *udpTransport) locators() locatorSet { return t.locs }

func (t *udpTransport) start(ctx context.Context, g *errgroup.Group, rx func([]byte)) {
	for _, conn := range t.conns {
		conn := conn
		g.Go(func() error { return t.rx(ctx, conn, rx) })
	}
}

func (t *udpTransport) rx(ctx context.Context, conn *net.UDPConn, handle func([]byte)) error {
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Warn("ReadFromUDP failed", zap.Stringer("addr", conn.LocalAddr()), zap.Error(err))
			continue
		}
		handle(append([]byte(nil), buf[:n]...))
	}
}

func (t *udpTransport) send(b []byte, to Locator) error {
	if t.tx == nil {
		return errors.New("rtps: no live sockets")
	}
	_, err := t.tx.WriteToUDP(b, to.UDPAddr())
	return err
}

func (t *udpTransport) close() error {
	t.closeOnce.Do(func() {
		for _, conn := range t.conns {
			t.closeErr = multierr.Append(t.closeErr, conn.Close())
		}
	})
	return t.closeErr
}

// selectInterface returns the named interface, or the first multicast
// capable non-loopback interface with an IPv4 address.
func selectInterface(name string) (*net.Interface, net.IP, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "interface %q", name)
		}
		ip, err := interfaceIPv4(iface)
		if err != nil {
			return nil, nil, err
		}
		return iface, ip, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, errors.Wrap(err, "list interfaces")
	}
	mask := net.FlagUp | net.FlagMulticast
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&mask != mask || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip, err := interfaceIPv4(ifi); err == nil {
			return ifi, ip, nil
		}
	}
	return nil, nil, errors.New("rtps: couldn't find a multicast capable IPv4 interface")
}

func interfaceIPv4(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "addresses of %s", iface.Name)
	}
	for _, addr := range addrs {
		if ifa, ok := addr.(*net.IPNet); ok {
			if ip4 := ifa.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, errors.Errorf("rtps: interface %s has no IPv4 address", iface.Name)
}
