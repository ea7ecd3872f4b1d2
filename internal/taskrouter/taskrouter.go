// Package taskrouter implements the task routing decision engine: given
// a task's resolved tier and a set of candidate endpoints, it
// decides where the task executes and builds the decision record a
// scheduler (outside this package) correlates against the task id.
package taskrouter

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	TierTrivial  = "trivial"
	TierStandard = "standard"
	TierComplex  = "complex"
)

const (
	TargetLocalSidecar    = "local_sidecar"
	TargetEndpoint        = "endpoint"
	TargetExternalPremium = "external_premium"
	CostFree              = "free"
	CostLocal             = "local"
	CostAPI               = "api"

	defaultScoreCacheSize   = 256
	reasonNoHealthyEndpoint = "no_healthy_ollama_endpoints"
)

// HostMetrics is the per-endpoint load snapshot the scorer reads.
type HostMetrics struct {
	CPUPercent   float64
	MemFreeMB    float64
	GPUMemFreeMB float64
	QueueDepth   int
}

// Endpoint is a candidate external inference target.
type Endpoint struct {
	ID      string
	Status  string // healthy | degraded | unreachable
	Models  []string
	Metrics HostMetrics
}

// Decision is the router's output, correlated to a task by DecisionID.
type Decision struct {
	DecisionID           string `json:"decision_id"`
	EffectiveTier        string `json:"effective_tier"`
	TargetType           string `json:"target_type"`
	SelectedEndpoint     string `json:"selected_endpoint,omitempty"`
	SelectedModel        string `json:"selected_model,omitempty"`
	FallbackUsed         bool   `json:"fallback_used"`
	FallbackFromTier     string `json:"fallback_from_tier,omitempty"`
	FallbackReason       string `json:"fallback_reason,omitempty"`
	CandidateCount       int    `json:"candidate_count"`
	ClassificationReason string `json:"classification_reason,omitempty"`
	EstimatedCostTier    string `json:"estimated_cost_tier"`
	DecidedAt            int64  `json:"decided_at_ms"`
}

// DecideParams is Decide's input.
type DecideParams struct {
	Tier                 string // trivial | standard | complex; "" defaults to standard
	ClassificationReason string
	Endpoints            []Endpoint
}

// Router scores endpoints and builds decision records. Every Decide call
// computes each candidate's load score from the supplied metrics; the
// scores are also recorded in a bounded cache keyed by endpoint id, which
// no lookup reads back.
type Router struct {
	mu         sync.Mutex
	scoreCache *lru.Cache[string, float64]
	now        func() time.Time
}

// New creates a Router with a bounded endpoint-score cache.
func New() (*Router, error) {
	cache, err := lru.New[string, float64](defaultScoreCacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{scoreCache: cache, now: time.Now}, nil
}

// Decide resolves a target for the given tier and builds a decision record.
func (r *Router) Decide(p DecideParams) Decision {
	tier := p.Tier
	if tier == "" {
		tier = TierStandard
	}

	d := Decision{
		DecisionID:           uuid.NewString(),
		EffectiveTier:        tier,
		ClassificationReason: p.ClassificationReason,
		DecidedAt:            r.now().UnixMilli(),
	}

	switch tier {
	case TierTrivial:
		d.TargetType = TargetLocalSidecar
		d.EstimatedCostTier = CostFree
		return d
	case TierComplex:
		d.TargetType = TargetExternalPremium
		d.EstimatedCostTier = CostAPI
		return d
	default:
		return r.decideStandard(d, p.Endpoints)
	}
}

func (r *Router) decideStandard(d Decision, endpoints []Endpoint) Decision {
	candidates := make([]Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		if e.Status == "healthy" && len(e.Models) > 0 {
			candidates = append(candidates, e)
		}
	}
	d.CandidateCount = len(candidates)

	if len(candidates) == 0 {
		d.FallbackUsed = true
		d.FallbackFromTier = TierStandard
		d.FallbackReason = reasonNoHealthyEndpoint
		d.EstimatedCostTier = CostLocal
		return d
	}

	best := candidates[0]
	bestScore := r.scoreOf(best)
	for _, c := range candidates[1:] {
		score := r.scoreOf(c)
		if score < bestScore {
			best, bestScore = c, score
		}
	}

	d.TargetType = TargetEndpoint
	d.SelectedEndpoint = best.ID
	d.SelectedModel = best.Models[0]
	d.EstimatedCostTier = CostLocal
	return d
}

// scoreOf computes a load score for an endpoint (lower is better) and
// caches it keyed by endpoint id. CPU load and queue depth push the score
// up; free memory and free GPU memory pull it down.
func (r *Router) scoreOf(e Endpoint) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	score := e.Metrics.CPUPercent +
		float64(e.Metrics.QueueDepth)*2.0 -
		e.Metrics.MemFreeMB*0.001 -
		e.Metrics.GPUMemFreeMB*0.001
	r.scoreCache.Add(e.ID, score)
	return score
}
