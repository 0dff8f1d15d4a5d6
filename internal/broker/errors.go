package broker

import "fmt"

// NotLeaderError is returned when a write is submitted to a broker that
// does not hold the cluster lease, shaped after jmsadair/goraft's
// NotLeaderError (ServerID + KnownLeader).
type NotLeaderError struct {
	BrokerID    int32
	KnownLeader int32
	LeaderKnown bool
}

func (e NotLeaderError) Error() string {
	if !e.LeaderKnown {
		return fmt.Sprintf("broker %d is not the leader: no leader currently known", e.BrokerID)
	}
	return fmt.Sprintf("broker %d is not the leader: known leader = %d", e.BrokerID, e.KnownLeader)
}

// InvalidLeaseError is returned when a lease-dependent operation completes
// only to find the local lease snapshot no longer matches the one it
// started with, shaped after jmsadair/goraft's InvalidLeaseError (ServerID
// only).
type InvalidLeaseError struct {
	BrokerID int32
}

func (e InvalidLeaseError) Error() string {
	return fmt.Sprintf("broker %d does not hold a valid lease", e.BrokerID)
}
