package epic

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/epicbridge/internal/platform/lock"
	"github.com/ehr/epicbridge/internal/platform/metrics"
	"github.com/ehr/epicbridge/internal/platform/similarity"
)

// Confidence thresholds, compared after rounding to two decimals.
const (
	AutoApplyThreshold = 0.90
	SuggestThreshold   = 0.70
)

// AutoMatcher links unmapped Epic entities to local entities by name
// similarity.
type AutoMatcher struct {
	mappings EntityMappingRepository
	locals   LocalEntities
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewAutoMatcher(mappings EntityMappingRepository, locals LocalEntities, locker lock.Locker,
	m *metrics.Metrics, logger zerolog.Logger) *AutoMatcher {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &AutoMatcher{
		mappings: mappings,
		locals:   locals,
		locker:   locker,
		metrics:  m,
		logger:   logger.With().Str("component", "epic-automatch").Logger(),
	}
}

func roundConfidence(x float64) float64 {
	return math.Round(x*100) / 100
}

// Run matches every unmapped row of one mapping type. Rows scoring at least
// AutoApplyThreshold are persisted as auto matches; rows at least
// SuggestThreshold are returned for confirmation. A local entity claimed by
// an existing or newly applied mapping is not offered again in the run.
//
// Failing to list the connection's mappings yields an empty summary and an
// error log rather than an error.
func (a *AutoMatcher) Run(ctx context.Context, conn *Connection, mt MappingType) (*AutoMatchSummary, error) {
	summary := &AutoMatchSummary{MappingType: mt, Results: []AutoMatchResult{}}

	release, err := a.locker.Acquire(ctx, fmt.Sprintf("epic:automatch:%s:%s", conn.FacilityID, mt))
	if err != nil {
		return nil, fmt.Errorf("acquire auto-match lock: %w", err)
	}
	defer release()

	existing, err := a.mappings.List(ctx, conn.ID, mt)
	if err != nil {
		a.logger.Error().Err(err).Str("connection_id", conn.ID.String()).Str("mapping_type", string(mt)).
			Msg("failed to list entity mappings for auto-match")
		return summary, nil
	}

	candidates, err := mt.candidates(ctx, a.locals, conn.FacilityID)
	if err != nil {
		return nil, fmt.Errorf("load %s candidates: %w", mt, err)
	}

	claimed := make(map[uuid.UUID]bool)
	for _, m := range existing {
		if m.LocalEntityID != nil {
			claimed[*m.LocalEntityID] = true
		}
	}

	for _, m := range existing {
		if m.LocalEntityID != nil {
			continue
		}
		res := AutoMatchResult{MappingID: m.ID, EpicResourceID: m.EpicResourceID, EpicDisplayName: m.EpicDisplayName}

		if strings.TrimSpace(m.EpicDisplayName) == "" {
			res.Action = ActionSkipped
			summary.Skipped++
			summary.Results = append(summary.Results, res)
			continue
		}

		best, score := bestCandidate(m.EpicDisplayName, candidates, claimed)
		res.Confidence = roundConfidence(score)
		if best == nil || res.Confidence < SuggestThreshold {
			res.Action = ActionSkipped
			summary.Skipped++
			summary.Results = append(summary.Results, res)
			continue
		}
		res.MatchedLocalID = &best.ID
		res.MatchedLocalName = &best.Name

		if res.Confidence >= AutoApplyThreshold {
			if err := a.apply(ctx, m, best.ID, res.Confidence); err != nil {
				// Unpersisted matches still need a human.
				a.logger.Error().Err(err).Str("mapping_id", m.ID.String()).Msg("failed to persist auto-match")
				res.Action = ActionSuggested
				summary.Suggested++
			} else {
				claimed[best.ID] = true
				res.Action = ActionAutoApplied
				summary.AutoApplied++
			}
		} else {
			res.Action = ActionSuggested
			summary.Suggested++
		}
		summary.Results = append(summary.Results, res)
	}

	a.metrics.AddAutoMatch(string(mt), string(ActionAutoApplied), summary.AutoApplied)
	a.metrics.AddAutoMatch(string(mt), string(ActionSuggested), summary.Suggested)
	a.metrics.AddAutoMatch(string(mt), string(ActionSkipped), summary.Skipped)
	a.logger.Info().Str("facility_id", conn.FacilityID.String()).Str("mapping_type", string(mt)).
		Int("auto_applied", summary.AutoApplied).Int("suggested", summary.Suggested).
		Int("skipped", summary.Skipped).Msg("auto-match complete")
	return summary, nil
}

// bestCandidate returns the highest scoring unclaimed candidate. Ties keep
// the earlier candidate.
func bestCandidate(name string, candidates []candidate, claimed map[uuid.UUID]bool) (*candidate, float64) {
	var best *candidate
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		if claimed[c.ID] {
			continue
		}
		if s := similarity.Score(name, c.Name); best == nil || s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

func (a *AutoMatcher) apply(ctx context.Context, m *EntityMapping, localID uuid.UUID, confidence float64) error {
	method := MatchMethodAuto
	updated := *m
	updated.LocalEntityID = &localID
	updated.MatchMethod = &method
	updated.MatchConfidence = &confidence
	if err := a.mappings.Upsert(ctx, &updated); err != nil {
		return err
	}
	*m = updated
	return nil
}
