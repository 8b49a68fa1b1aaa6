package repair

import (
	"sync"

	"driftline.io/driftline/internal/domain"
)

// Health tracks per-source ingestion health. A source is "healing" while a
// drift for it sits in the repair workflow; ingestion keeps running either
// way, with unmapped fields preserved in extras.
type Health struct {
	mu       sync.RWMutex
	statuses map[string]domain.ConnectionStatus
}

// NewHealth creates an empty health tracker.
func NewHealth() *Health {
	return &Health{statuses: make(map[string]domain.ConnectionStatus)}
}

// MarkHealing flags a source as under repair.
func (h *Health) MarkHealing(system, entityType string) {
	h.set(system, entityType, domain.ConnectionHealing)
}

// MarkActive flags a source as healthy.
func (h *Health) MarkActive(system, entityType string) {
	h.set(system, entityType, domain.ConnectionActive)
}

func (h *Health) set(system, entityType string, status domain.ConnectionStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[system+"/"+entityType] = status
}

// Status returns the current status of a source. Sources never seen default
// to active.
func (h *Health) Status(system, entityType string) domain.ConnectionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.statuses[system+"/"+entityType]; ok {
		return s
	}
	return domain.ConnectionActive
}

// Snapshot returns a copy of all known source statuses.
func (h *Health) Snapshot() map[string]domain.ConnectionStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]domain.ConnectionStatus, len(h.statuses))
	for k, v := range h.statuses {
		out[k] = v
	}
	return out
}
