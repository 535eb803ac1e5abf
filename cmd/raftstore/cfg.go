package main

import (
	"fmt"
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-raftstore/pkg/raft"
	"github.com/galdor/go-service/pkg/service"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Raft    RaftCfg            `json:"raft"`
	API     APICfg             `json:"api"`
}

// Durations are in milliseconds; zero values select the defaults of the
// raft package.
type RaftCfg struct {
	Servers       raft.ServerSet `json:"servers"`
	DataDirectory string         `json:"dataDirectory"`

	MinElectionTimeout int `json:"minElectionTimeout,omitempty"`
	MaxElectionTimeout int `json:"maxElectionTimeout,omitempty"`
	HeartbeatInterval  int `json:"heartbeatInterval,omitempty"`

	SnapshotThreshold int64 `json:"snapshotThreshold,omitempty"`
}

type APICfg struct {
	// The API server listens on the host of the local address of the
	// server.
	Port int `json:"port,omitempty"`

	// Maximum time spent waiting for a write to be applied, in milliseconds
	RequestTimeout int `json:"requestTimeout,omitempty"`
}

const (
	DefaultAPIPort        = 8081
	DefaultRequestTimeout = 10_000
)

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)
	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("servers", func() {
		for id, server := range cfg.Servers {
			v.WithChild(string(id), func() {
				v.CheckStringNotEmpty("localAddress", string(server.LocalAddress))
				v.CheckStringNotEmpty("publicAddress", string(server.PublicAddress))
			})
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

func (cfg *RaftCfg) Check() error {
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("empty server set")
	}

	nbVoters := 0
	for _, server := range cfg.Servers {
		if !server.NonVoting {
			nbVoters++
		}
	}

	if nbVoters == 0 {
		return fmt.Errorf("no voting server")
	}

	if cfg.MinElectionTimeout < 0 || cfg.MaxElectionTimeout < 0 ||
		cfg.HeartbeatInterval < 0 {
		return fmt.Errorf("invalid negative duration")
	}

	return nil
}

func (cfg *RaftCfg) ServerCfg(id raft.ServerId) raft.ServerCfg {
	return raft.ServerCfg{
		Id:      id,
		Servers: cfg.Servers,

		MinElectionTimeout: milliseconds(cfg.MinElectionTimeout),
		MaxElectionTimeout: milliseconds(cfg.MaxElectionTimeout),
		HeartbeatInterval:  milliseconds(cfg.HeartbeatInterval),

		SnapshotThreshold: cfg.SnapshotThreshold,
	}
}

func (cfg *APICfg) applyDefaults() {
	if cfg.Port == 0 {
		cfg.Port = DefaultAPIPort
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
}

func milliseconds(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
