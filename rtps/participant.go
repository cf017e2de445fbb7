package rtps

import (
	"bytes"
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// "allows a participant to indicate that it only contains a
// subset of the possible builtin endpoints"
// bitmask of builtin* values below
type builtinEndpointSet uint32

const (
	builtinParticipantAnnouncer     builtinEndpointSet = 1 << 0
	builtinParticipantDetector      builtinEndpointSet = 1 << 1
	builtinPublicationAnnouncer     builtinEndpointSet = 1 << 2
	builtinPublicationDetector      builtinEndpointSet = 1 << 3
	builtinSubscriptionAnnouncer    builtinEndpointSet = 1 << 4
	builtinSubscriptionDetector     builtinEndpointSet = 1 << 5
	builtinParticipantMessageWriter builtinEndpointSet = 1 << 10
	builtinParticipantMessageReader builtinEndpointSet = 1 << 11

	ourBuiltinEndpoints = builtinParticipantAnnouncer | builtinParticipantDetector |
		builtinPublicationAnnouncer | builtinPublicationDetector |
		builtinSubscriptionAnnouncer | builtinSubscriptionDetector
)

const (
	// DomainDefault selects the default domain, 0.
	DomainDefault uint32 = math.MaxUint32

	// the highest domain whose ports still fit in 16 bits
	maxDomainID = 232

	DefaultAnnouncePeriod      = time.Second
	DefaultLeaseDuration       = 100 * time.Second
	DefaultMaxParticipantIndex = 100
)

var (
	ErrClosed             = errors.New("rtps: participant closed")
	ErrInvalidDomain      = errors.New("rtps: invalid domain id")
	ErrInconsistentTopic  = errors.New("rtps: inconsistent topic")
	ErrNoParticipantIndex = errors.New("rtps: no free participant index")
	ErrBadStatusMask      = errors.New("rtps: status mask not valid for entity")
	ErrBadParameter       = errors.New("rtps: bad parameter")
	ErrSampleTooLarge     = errors.New("rtps: sample does not fit in a datagram")
)

// Config holds the participant settings.
type Config struct {
	DomainID uint32
	// Interface names the network interface to use. Empty picks the first
	// multicast capable one.
	Interface           string
	MulticastGroup      net.IP
	AnnouncePeriod      time.Duration
	LeaseDuration       time.Duration
	MaxParticipantIndex int
}

func NewConfig() Config {
	return Config{
		DomainID:            DomainDefault,
		MulticastGroup:      DefaultMulticastGroup,
		AnnouncePeriod:      DefaultAnnouncePeriod,
		LeaseDuration:       DefaultLeaseDuration,
		MaxParticipantIndex: DefaultMaxParticipantIndex,
	}
}

func (c Config) withDefaults() Config {
	def := NewConfig()
	if c.MulticastGroup == nil {
		c.MulticastGroup = def.MulticastGroup
	}
	if c.AnnouncePeriod <= 0 {
		c.AnnouncePeriod = def.AnnouncePeriod
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.MaxParticipantIndex <= 0 {
		c.MaxParticipantIndex = def.MaxParticipantIndex
	}
	return c
}

func (c Config) domainID() (uint32, error) {
	if c.DomainID == DomainDefault {
		return 0, nil
	}
	if c.DomainID > maxDomainID {
		return 0, errors.Wrapf(ErrInvalidDomain, "%d", c.DomainID)
	}
	return c.DomainID, nil
}

type Option func(*Participant)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Participant) {
		p.logger = logger
	}
}

// WithClock replaces the wall clock driving announcements and lease
// expiry.
func WithClock(c clock.Clock) Option {
	return func(p *Participant) {
		p.clock = c
	}
}

func withTransport(t transport) Option {
	return func(p *Participant) {
		p.tr = t
	}
}

func withGUIDPrefix(gp GUIDPrefix) Option {
	return func(p *Participant) {
		p.guidPrefix = gp
	}
}

// Participant is a DDS domain participant. It owns the sockets, the
// discovery state and every topic, writer and reader created from it.
type Participant struct {
	cfg        Config
	domainID   uint32
	guidPrefix GUIDPrefix
	logger     *zap.Logger
	clock      clock.Clock
	tr         transport
	metrics    *participantMetrics

	cancel context.CancelFunc
	group  *errgroup.Group

	// mu guards everything below as well as the state of the participant's
	// writers and readers.
	mu            sync.Mutex
	closed        bool
	entities      entityAllocator
	topics        map[string]*Topic
	writers       map[EntityID]*Writer
	readers       map[EntityID]*Reader
	remotes       map[GUIDPrefix]*participantProxy
	remoteWriters map[GUID]*endpointData
	remoteReaders map[GUID]*endpointData
	spdp          spdp
	sedp          sedp
}

// NewParticipant joins the domain in cfg and starts announcing itself.
func NewParticipant(cfg Config, opts ...Option) (*Participant, error) {
	cfg = cfg.withDefaults()
	domainID, err := cfg.domainID()
	if err != nil {
		return nil, err
	}

	p := &Participant{
		cfg:           cfg,
		domainID:      domainID,
		guidPrefix:    newGUIDPrefix(),
		logger:        zap.NewNop(),
		clock:         clock.New(),
		metrics:       newParticipantMetrics(),
		topics:        make(map[string]*Topic),
		writers:       make(map[EntityID]*Writer),
		readers:       make(map[EntityID]*Reader),
		remotes:       make(map[GUIDPrefix]*participantProxy),
		remoteWriters: make(map[GUID]*endpointData),
		remoteReaders: make(map[GUID]*endpointData),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.Stringer("guid_prefix", p.guidPrefix), zap.Uint32("domain", domainID))

	if p.tr == nil {
		tr, err := newUDPTransport(cfg, domainID, p.logger)
		if err != nil {
			return nil, errors.Wrap(err, "create transport")
		}
		p.tr = tr
	}
	p.spdp = spdp{p: p}
	p.sedp = newSEDP(p)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = g
	p.tr.start(ctx, g, p.handlePacket)
	g.Go(func() error { return p.run(ctx) })

	locs := p.tr.locators()
	p.logger.Info("Participant created",
		zap.Int("participant_id", locs.participantID),
		zap.Stringer("meta_unicast", locs.metaUnicast),
		zap.Stringer("meta_multicast", locs.metaMulticast))
	return p, nil
}

func (p *Participant) GUIDPrefix() GUIDPrefix { return p.guidPrefix }

func (p *Participant) DomainID() uint32 { return p.domainID }

// PrometheusCollectors returns the participant's metrics.
func (p *Participant) PrometheusCollectors() []prometheus.Collector {
	return p.metrics.PrometheusCollectors()
}

// DiscoveredParticipants lists the remote participants with a live lease.
func (p *Participant) DiscoveredParticipants() []GUIDPrefix {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]GUIDPrefix, 0, len(p.remotes))
	for gp := range p.remotes {
		out = append(out, gp)
	}
	return out
}

// CreateTopic returns the topic with the given name, creating it if needed.
func (p *Participant) CreateTopic(name, typeName string) (*Topic, error) {
	if name == "" || typeName == "" {
		return nil, errors.Wrap(ErrBadParameter, "topic and type names must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if t, ok := p.topics[name]; ok {
		if t.typeName != typeName {
			return nil, errors.Wrapf(ErrInconsistentTopic, "topic %q has type %q, not %q", name, t.typeName, typeName)
		}
		return t, nil
	}
	t := &Topic{p: p, name: name, typeName: typeName}
	p.topics[name] = t
	p.logger.Debug("Topic created", zap.String("topic", name), zap.String("type", typeName))
	return t, nil
}

// Close disposes every local entity, announces the participant's departure
// and releases the sockets. It is safe to call more than once.
func (p *Participant) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	for _, w := range p.writers {
		w.closeLocked()
	}
	for _, rd := range p.readers {
		rd.closeLocked()
	}
	p.spdp.dispose()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	err := multierr.Append(p.tr.close(), p.group.Wait())
	p.logger.Info("Participant closed")
	return err
}

// run announces the participant and drives the periodic protocol work
// until ctx ends.
func (p *Participant) run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.cfg.AnnouncePeriod)
	defer ticker.Stop()

	p.tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Participant) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.expireLeases(p.clock.Now())
	p.spdp.announce()
	p.sedp.heartbeat()
	for _, w := range p.writers {
		w.heartbeat()
	}
}

// messageBuilder packs submessages into as few datagrams as possible, each
// prefixed by the RTPS header, an optional INFO_DST and INFO_TS.
type messageBuilder struct {
	p    *Participant
	dst  GUIDPrefix
	msgs [][]byte
	buf  *bytes.Buffer
	n    int // submessages in buf
}

func (p *Participant) newMessage(dst GUIDPrefix) *messageBuilder {
	m := &messageBuilder{p: p, dst: dst}
	m.reset()
	return m
}

func (m *messageBuilder) reset() {
	m.buf = new(bytes.Buffer)
	m.n = 0
	newHeader(m.p.guidPrefix).writeTo(m.buf)
	if m.dst != unknownGUIDPrefix {
		writeInfoDst(m.buf, m.dst)
	}
	writeInfoTS(m.buf, m.p.clock.Now())
}

func (m *messageBuilder) add(write func(*bytes.Buffer)) {
	var sub bytes.Buffer
	write(&sub)
	if m.n > 0 && m.buf.Len()+sub.Len() > maxDatagram {
		m.msgs = append(m.msgs, m.buf.Bytes())
		m.reset()
	}
	m.buf.Write(sub.Bytes())
	m.n++
}

func (m *messageBuilder) bytes() [][]byte {
	if m.n == 0 {
		return m.msgs
	}
	return append(m.msgs, m.buf.Bytes())
}

// send transmits the message to every usable locator. Failures are counted
// and logged; the protocol recovers through retransmission.
func (m *messageBuilder) send(locs []Locator) {
	for _, b := range m.bytes() {
		for _, loc := range locs {
			if !loc.usable() {
				continue
			}
			if err := m.p.tr.send(b, loc); err != nil {
				m.p.metrics.sendErrors.Inc()
				m.p.logger.Debug("Send failed", zap.Stringer("locator", loc), zap.Error(err))
				continue
			}
			m.p.metrics.packetsSent.Inc()
			m.p.metrics.bytesSent.Add(float64(len(b)))
		}
	}
}

// Topic is a named, typed topic of a participant.
type Topic struct {
	p        *Participant
	name     string
	typeName string
}

func (t *Topic) Name() string     { return t.name }
func (t *Topic) TypeName() string { return t.typeName }
