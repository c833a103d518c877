// Package discovery tracks which agents currently offer which
// capabilities, based on advertisements heard over the mesh, and scores
// agents through a trust store.
package discovery

import (
	"time"

	"github.com/unifiedai/agentmesh/internal/hsp"
)

// capKey identifies one advertisement: the same capability id offered
// by two agents is two independent records.
type capKey struct {
	capabilityID string
	aiID         string
}

// CapabilityRecord is one known capability with bookkeeping for
// staleness eviction.
type CapabilityRecord struct {
	Advertisement hsp.CapabilityAdvertisementPayload `json:"advertisement"`
	LastSeen      time.Time                          `json:"last_seen"`
}

// FindFilter narrows FindCapabilities results. Zero-valued fields do not
// filter; set fields combine with AND.
type FindFilter struct {
	CapabilityID  string
	Name          string
	Tags          []string
	MinTrustScore float64
}

func (f FindFilter) matches(adv *hsp.CapabilityAdvertisementPayload, trust float64) bool {
	if f.CapabilityID != "" && adv.CapabilityID != f.CapabilityID {
		return false
	}
	if f.Name != "" && adv.Name != f.Name {
		return false
	}
	if trust < f.MinTrustScore {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range adv.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
