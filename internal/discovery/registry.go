package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/hsp"
)

const (
	defaultStalenessWindow = 5 * time.Minute
	defaultSweepInterval   = time.Minute
)

// Registry is the capability registry: advertisements flow in from the
// mesh, queries flow out from the coordinator. A single mutex serializes
// all access; reads return copies so callers cannot mutate shared state.
type Registry struct {
	logger *zap.Logger
	trust  *TrustStore

	stalenessWindow time.Duration
	sweepInterval   time.Duration

	mu           sync.Mutex
	capabilities map[capKey]*CapabilityRecord

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry backed by the given trust store.
func NewRegistry(trust *TrustStore, logger *zap.Logger) *Registry {
	return &Registry{
		logger:          logger.With(zap.String("component", "capability_registry")),
		trust:           trust,
		stalenessWindow: defaultStalenessWindow,
		sweepInterval:   defaultSweepInterval,
		capabilities:    make(map[capKey]*CapabilityRecord),
	}
}

// SetStaleness overrides the staleness window and sweep cadence. Useful
// in tests.
func (r *Registry) SetStaleness(window, sweep time.Duration) {
	r.stalenessWindow = window
	r.sweepInterval = sweep
}

// ProcessCapabilityAdvertisement validates and upserts one advertisement,
// refreshing its last-seen time. Invalid advertisements are logged and
// dropped.
func (r *Registry) ProcessCapabilityAdvertisement(adv *hsp.CapabilityAdvertisementPayload, senderAIID string) {
	if err := validateAdvertisement(adv); err != nil {
		r.logger.Warn("ignoring invalid capability advertisement",
			zap.String("sender", senderAIID), zap.Error(err))
		return
	}
	if adv.AIID == "" {
		adv.AIID = senderAIID
	}

	// Two agents may offer the same capability id; each keeps its own
	// record, and only a fresher advertisement from the same agent
	// supersedes an entry.
	key := capKey{capabilityID: adv.CapabilityID, aiID: adv.AIID}

	r.mu.Lock()
	_, known := r.capabilities[key]
	r.capabilities[key] = &CapabilityRecord{
		Advertisement: *adv,
		LastSeen:      time.Now(),
	}
	r.mu.Unlock()

	if !known {
		r.logger.Info("capability registered",
			zap.String("capability_id", adv.CapabilityID),
			zap.String("ai_id", adv.AIID))
	}
}

func validateAdvertisement(adv *hsp.CapabilityAdvertisementPayload) error {
	if adv == nil {
		return fmt.Errorf("nil advertisement")
	}
	if adv.CapabilityID == "" {
		return fmt.Errorf("missing capability_id")
	}
	if adv.Name == "" {
		return fmt.Errorf("missing name")
	}
	switch adv.AvailabilityStatus {
	case hsp.AvailabilityOnline, hsp.AvailabilityOffline, hsp.AvailabilityDegraded, hsp.AvailabilityMaintenance:
	default:
		return fmt.Errorf("invalid availability_status %q", adv.AvailabilityStatus)
	}
	return nil
}

// FindCapabilities returns the capabilities matching every set filter,
// ordered by the offering agent's trust score, highest first. Results are
// copies.
func (r *Registry) FindCapabilities(filter FindFilter) []CapabilityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []CapabilityRecord
	for _, rec := range r.capabilities {
		trust := r.trust.Score(rec.Advertisement.AIID)
		if !filter.matches(&rec.Advertisement, trust) {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.trust.Score(out[i].Advertisement.AIID) > r.trust.Score(out[j].Advertisement.AIID)
	})
	return out
}

// GetAllCapabilities returns a copy of every live record.
func (r *Registry) GetAllCapabilities() []CapabilityRecord {
	return r.FindCapabilities(FindFilter{})
}

// AgentHasCapability reports whether any live capability belongs to aiID.
func (r *Registry) AgentHasCapability(aiID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.capabilities {
		if rec.Advertisement.AIID == aiID {
			return true
		}
	}
	return false
}

// Start launches the staleness sweep loop.
func (r *Registry) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.sweepStale()
			}
		}
	}()
	r.logger.Info("registry sweep started",
		zap.Duration("staleness_window", r.stalenessWindow),
		zap.Duration("sweep_interval", r.sweepInterval))
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}

// sweepStale evicts records not refreshed within the staleness window.
// An evicted capability reappears on its next advertisement.
func (r *Registry) sweepStale() {
	cutoff := time.Now().Add(-r.stalenessWindow)

	r.mu.Lock()
	var evicted []capKey
	for key, rec := range r.capabilities {
		if rec.LastSeen.Before(cutoff) {
			delete(r.capabilities, key)
			evicted = append(evicted, key)
		}
	}
	r.mu.Unlock()

	for _, key := range evicted {
		r.logger.Info("capability evicted as stale",
			zap.String("capability_id", key.capabilityID),
			zap.String("ai_id", key.aiID))
	}
}
