// Package ingest runs the batch ingestion pipeline: transform raw records
// into canonical events, log and dispatch them, fingerprint the batch, and
// hand schema drift to the repair workflow. Batches for the same source key
// are serialized; different keys run concurrently.
package ingest

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"driftline.io/driftline/internal/config"
	"driftline.io/driftline/internal/domain"
	"driftline.io/driftline/internal/drift"
	"driftline.io/driftline/internal/fingerprint"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/repair"
	"driftline.io/driftline/internal/store"
	"driftline.io/driftline/internal/transform"
)

// BatchResult reports what one ingested batch produced.
type BatchResult struct {
	Events []*domain.CanonicalEvent `json:"events"`

	// Drift is the pending drift event relevant to this batch, nil when the
	// schema matched the baseline.
	Drift *domain.DriftEvent `json:"drift,omitempty"`

	// DriftDetected is true when this batch created the drift event (as
	// opposed to matching or merging into an already-pending one).
	DriftDetected bool `json:"drift_detected"`
}

// Pipeline wires the transformer, drift detector and repair workflow behind
// a single ingestion entrypoint.
type Pipeline struct {
	transformer *transform.Transformer
	detector    *drift.Detector
	workflow    *repair.Workflow
	dispatcher  *domain.EventDispatcher
	store       *store.Store
	health      *repair.Health
	sampleLimit int

	// keyLocks serializes batches per source key. Holds *sync.Mutex.
	keyLocks sync.Map
}

// NewPipeline creates a Pipeline.
func NewPipeline(
	tr *transform.Transformer,
	det *drift.Detector,
	wf *repair.Workflow,
	disp *domain.EventDispatcher,
	s *store.Store,
	health *repair.Health,
	cfg config.RepairConfig,
) *Pipeline {
	return &Pipeline{
		transformer: tr,
		detector:    det,
		workflow:    wf,
		dispatcher:  disp,
		store:       s,
		health:      health,
		sampleLimit: cfg.SampleValueLimit,
	}
}

// IngestBatch transforms one batch of raw records from a single source key.
// Canonical events are appended to the event log and dispatched downstream
// even while the source is drifting: unmapped fields ride along in extras
// until a repair lands.
func (p *Pipeline) IngestBatch(ctx context.Context, src domain.SourceContext, records []domain.RawRecord) (*BatchResult, error) {
	unlock := p.lockKey(src.Key())
	defer unlock()

	result := &BatchResult{}
	for _, raw := range records {
		ev, err := p.transformer.Transform(ctx, raw, src)
		if err != nil {
			// A missing mapping poisons the whole batch; partial batches
			// would make redelivery ambiguous.
			return nil, err
		}
		if err := p.store.AppendCanonicalEvent(ctx, ev); err != nil {
			return nil, err
		}
		if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
			logger.Warn("Downstream handler failed, event already logged",
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
		}
		result.Events = append(result.Events, ev)
	}

	if len(records) == 0 {
		// An empty batch carries no schema signal.
		return result, nil
	}

	shapes := fingerprint.Collect(records)
	driftEv, created, err := p.detector.Detect(ctx, src, shapes)
	if err != nil {
		return nil, err
	}
	if driftEv != nil {
		result.Drift = driftEv
		result.DriftDetected = created
		if !driftEv.State.Terminal() {
			p.health.MarkHealing(src.System, src.EntityType)
		}
	}
	if created {
		if err := p.workflow.Submit(*driftEv, p.collectSamples(driftEv.AddedFields, records)); err != nil {
			logger.Error("Failed to schedule repair",
				zap.String("drift_event_id", driftEv.ID),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

// Health exposes per-source ingestion health.
func (p *Pipeline) Health() *repair.Health {
	return p.health
}

func (p *Pipeline) lockKey(key string) func() {
	muAny, _ := p.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// collectSamples gathers up to the configured limit of observed values per
// added field, for the oracle to judge type compatibility.
func (p *Pipeline) collectSamples(addedFields []string, records []domain.RawRecord) map[string][]domain.Value {
	if len(addedFields) == 0 {
		return nil
	}
	samples := make(map[string][]domain.Value, len(addedFields))
	for _, field := range addedFields {
		for _, rec := range records {
			if len(samples[field]) >= p.sampleLimit {
				break
			}
			if v, ok := rec[field]; ok && !v.IsNull() {
				samples[field] = append(samples[field], v)
			}
		}
	}
	return samples
}
