package broker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/broker"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/config"
	"github.com/Siya-Moghe/yak-yet-another-kafka/internal/coordstore/memstore"
	"github.com/Siya-Moghe/yak-yet-another-kafka/testutil"
)

func TestSingleBrokerProduceConsume(t *testing.T) {
	coord := memstore.New()
	n := testutil.NewTestBroker(t, coord, nil)
	defer n.Broker.Shutdown()

	require.Eventually(t, func() bool { return n.Broker.IsLeader() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, n.Broker.RegisterTopic("orders"))

	offset, hwm, err := n.Broker.Produce("orders", "first")
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)
	require.Equal(t, uint64(1), hwm)

	res, err := n.Broker.Consume("orders", 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	require.Equal(t, "first", res.Messages[0].Message)
}

func TestFollowerRejectsProduce(t *testing.T) {
	coord := memstore.New()
	n1 := testutil.NewTestBroker(t, coord, func(cfg *config.BrokerConfig) {})
	n2 := testutil.NewTestBroker(t, coord, nil)
	defer n1.Broker.Shutdown()
	defer n2.Broker.Shutdown()

	testutil.Join(t, n1, n2)

	require.Eventually(t, func() bool {
		return n1.Broker.IsLeader() != n2.Broker.IsLeader()
	}, 2*time.Second, 10*time.Millisecond)

	leader, follower := n1, n2
	if !n1.Broker.IsLeader() {
		leader, follower = n2, n1
	}

	require.NoError(t, leader.Broker.RegisterTopic("orders"))
	_, _, err := follower.Broker.Produce("orders", "nope")
	require.Error(t, err)
	var notLeader broker.NotLeaderError
	require.ErrorAs(t, err, &notLeader)
}
