// Package config holds broker configuration, mirroring jocko's
// config.BrokerConfig / config.DefaultBrokerConfig shape: a flat struct of
// addresses and durations, overridden by CLI flags in cmd/yak.
package config

import "time"

// BrokerConfig holds everything a broker needs to start.
type BrokerConfig struct {
	ID      int32
	DataDir string

	// HTTPAddr is where the producer/consumer/peer HTTP surface listens.
	HTTPAddr string
	// AdvertiseHost/AdvertisePort are what this broker tells peers to dial.
	AdvertiseHost string
	AdvertisePort int

	// SerfAddr is where the membership/heartbeat gossip layer binds.
	SerfAddr string
	// StartJoinAddrs seeds the gossip ring at startup.
	StartJoinAddrs []string

	// RaftAddr is where the embedded coordination-store's Raft transport
	// binds, when this broker also hosts a coordination-store replica
	// (--coord-bootstrap).
	RaftAddr  string
	Bootstrap bool // this broker also runs a coordination-store replica

	LeaseTTL          time.Duration
	RenewInterval     time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	ReplicationPoll   time.Duration
	RequestTimeout    time.Duration

	DevMode bool
}

// DefaultBrokerConfig returns a config populated with the defaults from
// spec §6's Configuration defaults table.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		ID:                0,
		DataDir:           "/tmp/yak",
		HTTPAddr:          "0.0.0.0:9092",
		AdvertiseHost:     "127.0.0.1",
		AdvertisePort:     9092,
		SerfAddr:          "0.0.0.0:9094",
		RaftAddr:          "127.0.0.1:9093",
		LeaseTTL:          10 * time.Second,
		RenewInterval:     3 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTTL:      6 * time.Second,
		ReplicationPoll:   200 * time.Millisecond,
		RequestTimeout:    5 * time.Second,
	}
}
