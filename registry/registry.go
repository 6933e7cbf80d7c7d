// Package registry enumerates the services a worker process can operate.
// Services are described by on-disk profiles written by the deployment
// tooling; the registry only reads them.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Service is one (mech, safe, agent key, chain, staking) tuple. Immutable
// for the process lifetime. The agent private key itself is never loaded
// here; KeyFile points at the material and only the signing proxy reads it.
type Service struct {
	ServiceConfigID string `json:"service_config_id"`
	ServiceID       int64  `json:"service_id"`
	Chain           string `json:"chain"`
	ChainID         int64  `json:"chain_id"`

	MechAddress  common.Address `json:"mech_address"`
	SafeAddress  common.Address `json:"safe_address"`
	AgentAddress common.Address `json:"agent_address"`

	// KeyFile is resolved relative to the profile directory.
	KeyFile string `json:"key_file"`

	// StakingContract is nil for unstaked services.
	StakingContract *common.Address `json:"staking_contract,omitempty"`
}

// Staked reports whether the service participates in staking rewards.
func (s *Service) Staked() bool {
	return s.StakingContract != nil && *s.StakingContract != (common.Address{})
}

// Valid reports whether the service can be rotated onto. Services with a
// missing safe, missing key material, or an unassigned on-chain id are
// configuration remnants and must never be selected.
func (s *Service) Valid() bool {
	if s.SafeAddress == (common.Address{}) {
		return false
	}
	if s.KeyFile == "" {
		return false
	}
	if s.ServiceID < 0 {
		return false
	}
	return true
}

// Registry holds the services loaded from a profile directory.
type Registry struct {
	services []Service
}

// Load reads every *.json profile under dir. Profiles that fail to parse
// are an error: a worker with a broken profile should not start.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir %s: %w", dir, err)
	}

	var services []Service
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read profile %s: %w", path, err)
		}
		var svc Service
		if err := json.Unmarshal(data, &svc); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", path, err)
		}
		if svc.ServiceConfigID == "" {
			return nil, fmt.Errorf("profile %s: missing service_config_id", path)
		}
		if svc.KeyFile != "" && !filepath.IsAbs(svc.KeyFile) {
			svc.KeyFile = filepath.Join(dir, svc.KeyFile)
		}
		services = append(services, svc)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("no service profiles in %s", dir)
	}

	// Stable ordering keeps rotation tie-breaks deterministic.
	sort.Slice(services, func(i, j int) bool {
		return services[i].ServiceConfigID < services[j].ServiceConfigID
	})
	return &Registry{services: services}, nil
}

// All returns every loaded service, valid or not.
func (r *Registry) All() []Service {
	out := make([]Service, len(r.services))
	copy(out, r.services)
	return out
}

// Rotatable returns the services eligible for rotation.
func (r *Registry) Rotatable() []Service {
	var out []Service
	for _, s := range r.services {
		if s.Valid() {
			out = append(out, s)
		}
	}
	return out
}

// Mechs returns the distinct mech addresses of all valid services. The
// intake layer watches every managed mech, not just the active one.
func (r *Registry) Mechs() []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, s := range r.services {
		if !s.Valid() || seen[s.MechAddress] {
			continue
		}
		seen[s.MechAddress] = true
		out = append(out, s.MechAddress)
	}
	return out
}

// ByConfigID looks a service up by its stable config id.
func (r *Registry) ByConfigID(id string) (Service, bool) {
	for _, s := range r.services {
		if s.ServiceConfigID == id {
			return s, true
		}
	}
	return Service{}, false
}
