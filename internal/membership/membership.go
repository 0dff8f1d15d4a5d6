// Package membership is YAK's broker registry and heartbeat mechanism
// (§3 "Broker registry", §4.6 HeartbeatReporter), implemented as a
// hashicorp/serf gossip ring instead of polling a coordination-store
// registry key per broker: serf's own failure detector already provides
// exactly "entries older than HEARTBEAT_TTL are treated as dead", and its
// tags give each member a place to advertise host/port/epoch. This mirrors
// jocko's own brokerLookup/LANMembers()/setupSerf split between "raft
// truth" (here: lease truth) and "gossip cache of who's alive".
package membership

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/serf/serf"
	"github.com/pkg/errors"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
)

// Broker is this process's advertised identity in the gossip ring.
type Broker struct {
	ID   int32
	Host string
	Port int
}

// Member is a live broker as seen through gossip, with its last advertised
// epoch (§3's last_seen_epoch).
type Member struct {
	ID            int32
	Host          string
	Port          int
	Epoch         uint64
	LastHeartbeat time.Time
}

// Config configures the local serf agent.
type Config struct {
	Self      Broker
	BindAddr  string // host:port for the memberlist/gossip transport
	JoinAddrs []string
}

// Membership wraps a serf.Serf agent, exposing YAK's broker-registry view
// of it.
type Membership struct {
	cfg    Config
	serf   *serf.Serf
	events chan serf.Event
	logger *logging.Logger
}

// New starts the local gossip agent and joins JoinAddrs, if any.
func New(cfg Config, logger *logging.Logger) (*Membership, error) {
	host, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "membership: bad bind addr")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "membership: bad bind port")
	}

	events := make(chan serf.Event, 256)

	conf := serf.DefaultConfig()
	conf.MemberlistConfig.BindAddr = host
	conf.MemberlistConfig.BindPort = port
	conf.NodeName = fmt.Sprintf("broker-%d", cfg.Self.ID)
	conf.EventCh = events
	conf.Tags = map[string]string{
		"id":   strconv.Itoa(int(cfg.Self.ID)),
		"host": cfg.Self.Host,
		"port": strconv.Itoa(cfg.Self.Port),
	}

	s, err := serf.Create(conf)
	if err != nil {
		return nil, errors.Wrap(err, "membership: serf create")
	}

	m := &Membership{cfg: cfg, serf: s, events: events, logger: logger}

	if len(cfg.JoinAddrs) > 0 {
		if _, err := s.Join(cfg.JoinAddrs, true); err != nil {
			logger.Warn("membership: join failed, continuing alone", logging.Error("error", err))
		}
	}

	return m, nil
}

// UpdateEpoch republishes this broker's advertised epoch into its gossip
// tags. Called every HEARTBEAT_INTERVAL by the broker's heartbeat loop, and
// on every lease role change.
func (m *Membership) UpdateEpoch(epoch uint64) error {
	tags := map[string]string{
		"id":    strconv.Itoa(int(m.cfg.Self.ID)),
		"host":  m.cfg.Self.Host,
		"port":  strconv.Itoa(m.cfg.Self.Port),
		"epoch": strconv.FormatUint(epoch, 10),
	}
	return m.serf.SetTags(tags)
}

// Members returns every broker serf currently considers alive, i.e. the
// quorum-eligible set for §4.3's HWM advancement rule.
func (m *Membership) Members() []Member {
	var out []Member
	for _, mem := range m.serf.Members() {
		if mem.Status != serf.StatusAlive {
			continue
		}
		mm, ok := parseTags(mem.Tags)
		if !ok {
			continue
		}
		out = append(out, mm)
	}
	return out
}

func parseTags(tags map[string]string) (Member, bool) {
	idStr, ok := tags["id"]
	if !ok {
		return Member{}, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return Member{}, false
	}
	port, _ := strconv.Atoi(tags["port"])
	epoch, _ := strconv.ParseUint(tags["epoch"], 10, 64)
	return Member{
		ID:            int32(id),
		Host:          tags["host"],
		Port:          port,
		Epoch:         epoch,
		LastHeartbeat: time.Now(),
	}, true
}

// Join joins this member to an existing ring through addrs.
func (m *Membership) Join(addrs []string) (int, error) {
	return m.serf.Join(addrs, true)
}

// NumLiveMembers returns len(Members()), the size of the quorum-eligible set.
func (m *Membership) NumLiveMembers() int {
	return len(m.Members())
}

// Leave gracefully leaves the gossip ring (§5 shutdown draining).
func (m *Membership) Leave() error {
	return m.serf.Leave()
}

// Shutdown forcibly tears down the local agent.
func (m *Membership) Shutdown() error {
	return m.serf.Shutdown()
}
