// Package testutil spins up in-process YAK clusters for integration-style
// tests, adapted from jocko's own testutil/testing.go: dynaport-assigned
// addresses, a shared temp dir per test run, and a thin callback for
// per-test config overrides.
package testutil

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sync/atomic"
	"time"

	testing "github.com/mitchellh/go-testing-interface"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/broker"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/config"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/httpapi"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/logging"
)

var (
	nodeNumber int32
	tempDir    string
	logger     = logging.New()
)

func init() {
	var err error
	tempDir, err = ioutil.TempDir("", "yak-test-cluster")
	if err != nil {
		panic(err)
	}
}

// Node bundles a running Broker with its HTTP surface for test assertions.
type Node struct {
	Broker *broker.Broker
	API    *httpapi.Server
	Config *config.BrokerConfig
}

// NewTestBroker starts one broker against a shared coordstore.Store
// (typically a single memstore shared by every node in the test cluster,
// standing in for an external coordination service), on dynaport-assigned
// addresses so parallel tests never collide.
func NewTestBroker(t testing.T, coord coordstore.Store, cb func(cfg *config.BrokerConfig)) *Node {
	ports := dynaport.GetS(3)
	nodeID := atomic.AddInt32(&nodeNumber, 1)

	cfg := config.DefaultBrokerConfig()
	cfg.ID = nodeID
	cfg.DataDir = filepath.Join(tempDir, fmt.Sprintf("node%d", nodeID))
	cfg.HTTPAddr = "127.0.0.1:" + ports[0]
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.AdvertisePort = atoiMust(ports[0])
	cfg.SerfAddr = "127.0.0.1:" + ports[1]
	cfg.RaftAddr = "127.0.0.1:" + ports[2]

	// Tighten timing so tests converge quickly.
	cfg.LeaseTTL = 500 * time.Millisecond
	cfg.RenewInterval = 100 * time.Millisecond
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.HeartbeatTTL = 500 * time.Millisecond
	cfg.ReplicationPoll = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second

	if cb != nil {
		cb(cfg)
	}

	b, err := broker.New(cfg, coord, nil, logger.Named(fmt.Sprintf("node%d", nodeID)))
	if err != nil {
		t.Fatalf("err != nil: %s", err)
	}

	return &Node{Broker: b, API: httpapi.New(b, nil, logger), Config: cfg}
}

// Join joins every other node's membership agent to n1's gossip ring.
func Join(t testing.T, n1 *Node, others ...*Node) {
	addr := n1.Config.SerfAddr
	for _, n2 := range others {
		if num, err := n2.Broker.Join(addr); err != nil {
			t.Fatalf("err: %v", err)
		} else if num != 1 {
			t.Fatalf("bad: %d", num)
		}
	}
}

func atoiMust(s string) int {
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}
