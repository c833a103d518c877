package discovery

import "sync"

const (
	defaultTrust   = 0.5
	successReward  = 0.05
	failurePenalty = 0.1
)

// TrustStore keeps a per-agent trust score in [0, 1]. Scores start at a
// neutral default and drift with task outcomes.
type TrustStore struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{scores: make(map[string]float64)}
}

// Score returns the agent's trust score, defaulting for unknown agents.
func (t *TrustStore) Score(aiID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.scores[aiID]; ok {
		return s
	}
	return defaultTrust
}

// Set pins an agent's score, clamped to [0, 1]. Used for pre-seeded
// trusted peers.
func (t *TrustStore) Set(aiID string, score float64) {
	t.mu.Lock()
	t.scores[aiID] = clamp(score)
	t.mu.Unlock()
}

// RecordSuccess nudges the score up after a successful task.
func (t *TrustStore) RecordSuccess(aiID string) {
	t.adjust(aiID, successReward)
}

// RecordFailure pulls the score down after a failed task.
func (t *TrustStore) RecordFailure(aiID string) {
	t.adjust(aiID, -failurePenalty)
}

func (t *TrustStore) adjust(aiID string, delta float64) {
	t.mu.Lock()
	cur, ok := t.scores[aiID]
	if !ok {
		cur = defaultTrust
	}
	t.scores[aiID] = clamp(cur + delta)
	t.mu.Unlock()
}

func clamp(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
