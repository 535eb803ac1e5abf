package raft

import (
	"encoding/json"
	"fmt"
	"sort"
)

type ServerInfo struct {
	Id      ServerId      `json:"id"`
	Address ServerAddress `json:"address,omitempty"`
	Voting  bool          `json:"voting"`
}

// ClusterConfig is the set of members of the cluster. Configurations are
// replicated as EntryConfig log entries; the last committed one is used for
// all quorum computations.
type ClusterConfig struct {
	Servers []ServerInfo `json:"servers"`
}

func (c ClusterConfig) Clone() ClusterConfig {
	servers := make([]ServerInfo, len(c.Servers))
	copy(servers, c.Servers)

	return ClusterConfig{Servers: servers}
}

func (c ClusterConfig) Server(id ServerId) (ServerInfo, bool) {
	for _, s := range c.Servers {
		if s.Id == id {
			return s, true
		}
	}

	return ServerInfo{}, false
}

func (c ClusterConfig) Contains(id ServerId) bool {
	_, found := c.Server(id)
	return found
}

func (c ClusterConfig) IsVoter(id ServerId) bool {
	s, found := c.Server(id)
	return found && s.Voting
}

func (c ClusterConfig) Voters() []ServerId {
	var ids []ServerId

	for _, s := range c.Servers {
		if s.Voting {
			ids = append(ids, s.Id)
		}
	}

	return ids
}

// QuorumSize returns the number of votes forming a strict majority of the
// voting members.
func (c ClusterConfig) QuorumSize() int {
	return len(c.Voters())/2 + 1
}

func (c ClusterConfig) Validate() error {
	ids := make(map[ServerId]struct{})
	nbVoters := 0

	for _, s := range c.Servers {
		if s.Id == "" {
			return fmt.Errorf("%w: empty server id", ErrInvalidConfig)
		}

		if _, found := ids[s.Id]; found {
			return fmt.Errorf("%w: duplicate server id %q",
				ErrInvalidConfig, s.Id)
		}
		ids[s.Id] = struct{}{}

		if s.Voting {
			nbVoters++
		}
	}

	if nbVoters == 0 {
		return fmt.Errorf("%w: no voting member", ErrInvalidConfig)
	}

	return nil
}

// Add returns a configuration including a server. An existing server with the
// same id is replaced, which is how voting rights are changed.
func (c ClusterConfig) Add(server ServerInfo) ClusterConfig {
	cfg := c.Remove(server.Id)
	cfg.Servers = append(cfg.Servers, server)
	cfg.sort()

	return cfg
}

func (c ClusterConfig) Remove(id ServerId) ClusterConfig {
	var cfg ClusterConfig

	for _, s := range c.Servers {
		if s.Id != id {
			cfg.Servers = append(cfg.Servers, s)
		}
	}

	return cfg
}

func (c ClusterConfig) Equal(other ClusterConfig) bool {
	if len(c.Servers) != len(other.Servers) {
		return false
	}

	for _, s := range c.Servers {
		s2, found := other.Server(s.Id)
		if !found || s2 != s {
			return false
		}
	}

	return true
}

func (c *ClusterConfig) sort() {
	sort.Slice(c.Servers, func(i, j int) bool {
		return c.Servers[i].Id < c.Servers[j].Id
	})
}

func (c ClusterConfig) String() string {
	s := "{"

	for i, server := range c.Servers {
		if i > 0 {
			s += ", "
		}

		s += string(server.Id)
		if !server.Voting {
			s += " (non-voting)"
		}
	}

	return s + "}"
}

func encodeClusterConfig(cfg ClusterConfig) ([]byte, error) {
	return json.Marshal(cfg)
}

func decodeClusterConfig(data []byte) (ClusterConfig, error) {
	var cfg ClusterConfig

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot decode cluster configuration: %w", err)
	}

	return cfg, nil
}
