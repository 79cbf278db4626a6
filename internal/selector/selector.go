// Package selector picks an engine for each pipeline stage by matching job
// requirements against live registry state, with the catalog as the source
// of "what could run" for actionable errors.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/pkg/types"
)

// Requirements are the per-stage constraints derived from job parameters.
type Requirements struct {
	// Language is the concrete requested language, empty when the job asked
	// for auto-detection.
	Language string

	// Streaming requires real-time session support.
	Streaming bool

	// Preference pins the stage to a specific engine id. A pinned engine is
	// still verified against the other requirements.
	Preference string
}

// Selection is a chosen engine plus the reasoning behind the choice.
type Selection struct {
	EngineID     string
	Capabilities types.Capabilities

	// Rationale records the winning criteria, for logs and tests.
	Rationale string
}

// Mismatch explains why one running engine was rejected.
type Mismatch struct {
	EngineID string
	Reason   string
}

// NoCapableEngineError reports that no running engine satisfies the
// requirements. RunningMismatches explain each rejection; CatalogAlternatives
// name declared engines that would satisfy the requirements if started.
type NoCapableEngineError struct {
	Stage               types.Stage
	Requirements        Requirements
	RunningMismatches   []Mismatch
	CatalogAlternatives []string
}

func (e *NoCapableEngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "selector: no capable engine for stage %s", e.Stage)
	if e.Requirements.Language != "" {
		fmt.Fprintf(&b, " (language %s)", e.Requirements.Language)
	}
	if e.Requirements.Streaming {
		b.WriteString(" (streaming)")
	}
	for _, m := range e.RunningMismatches {
		fmt.Fprintf(&b, "; running %s: %s", m.EngineID, m.Reason)
	}
	if len(e.CatalogAlternatives) > 0 {
		fmt.Fprintf(&b, "; startable: %s", strings.Join(e.CatalogAlternatives, ", "))
	}
	return b.String()
}

// Selector chooses engines from live registry state.
type Selector struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
}

// New returns a selector over the given registry and catalog.
func New(reg *registry.Registry, cat *catalog.Catalog) *Selector {
	return &Selector{registry: reg, catalog: cat}
}

// Select picks one engine for the stage, or returns *NoCapableEngineError.
func (s *Selector) Select(ctx context.Context, stage types.Stage, req Requirements) (*Selection, error) {
	candidates, err := s.liveEngines(ctx, stage)
	if err != nil {
		return nil, err
	}

	if req.Preference != "" {
		return s.selectPreferred(stage, req, candidates)
	}

	var (
		survivors  []types.Capabilities
		mismatches []Mismatch
	)
	for _, c := range candidates {
		if reason := mismatchReason(c, req); reason != "" {
			mismatches = append(mismatches, Mismatch{EngineID: c.EngineID, Reason: reason})
			continue
		}
		survivors = append(survivors, c)
	}

	if len(survivors) == 0 {
		return nil, &NoCapableEngineError{
			Stage:               stage,
			Requirements:        req,
			RunningMismatches:   mismatches,
			CatalogAlternatives: s.startableAlternatives(stage, req),
		}
	}

	best := rank(survivors, req)
	return &Selection{
		EngineID:     best.EngineID,
		Capabilities: best,
		Rationale:    rationale(best, req, len(survivors)),
	}, nil
}

// selectPreferred verifies a pinned engine instead of ranking.
func (s *Selector) selectPreferred(stage types.Stage, req Requirements, candidates []types.Capabilities) (*Selection, error) {
	for _, c := range candidates {
		if c.EngineID != req.Preference {
			continue
		}
		if reason := mismatchReason(c, req); reason != "" {
			return nil, &NoCapableEngineError{
				Stage:               stage,
				Requirements:        req,
				RunningMismatches:   []Mismatch{{EngineID: c.EngineID, Reason: reason}},
				CatalogAlternatives: s.startableAlternatives(stage, req),
			}
		}
		return &Selection{
			EngineID:     c.EngineID,
			Capabilities: c,
			Rationale:    "pinned by engine preference",
		}, nil
	}
	return nil, &NoCapableEngineError{
		Stage:               stage,
		Requirements:        req,
		RunningMismatches:   []Mismatch{{EngineID: req.Preference, Reason: "not running"}},
		CatalogAlternatives: s.startableAlternatives(stage, req),
	}
}

// liveEngines collapses live instances for the stage into one capability
// record per logical engine id.
func (s *Selector) liveEngines(ctx context.Context, stage types.Stage) ([]types.Capabilities, error) {
	instances, err := s.registry.ListByStage(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("selector: list instances for %s: %w", stage, err)
	}

	seen := make(map[string]bool)
	var out []types.Capabilities
	for i := range instances {
		inst := &instances[i]
		if !s.registry.Available(inst) || seen[inst.EngineID] {
			continue
		}
		seen[inst.EngineID] = true
		caps := inst.Capabilities
		if caps.EngineID == "" {
			caps.EngineID = inst.EngineID
		}
		out = append(out, caps)
	}
	return out, nil
}

// startableAlternatives names catalog engines that would satisfy the
// requirements if someone started them.
func (s *Selector) startableAlternatives(stage types.Stage, req Requirements) []string {
	if s.catalog == nil {
		return nil
	}
	var out []string
	for _, e := range s.catalog.EnginesForStage(stage) {
		if mismatchReason(e.Capabilities, req) == "" {
			out = append(out, e.EngineID)
		}
	}
	return out
}

// mismatchReason returns a human-readable rejection reason, empty when the
// engine satisfies every hard requirement.
func mismatchReason(c types.Capabilities, req Requirements) string {
	if req.Language != "" && !c.SupportsLanguage(req.Language) {
		return fmt.Sprintf("language %s not in declared set %v", req.Language, c.Languages)
	}
	if req.Streaming && !c.Streaming {
		return "no streaming support"
	}
	return ""
}

// rank orders survivors by the selection tuple and returns the best. The
// tuple, most significant first:
//
//  1. language safety when the language is unknown: engines that accept any
//     language beat engines with a fixed set (auto-detect may land outside it);
//  2. native word timestamps;
//  3. native diarization;
//  4. language specificity when the language is known: an explicit declared
//     set beats "any" (a dedicated model tends to outperform a generalist);
//  5. lower real-time factor.
func rank(survivors []types.Capabilities, req Requirements) types.Capabilities {
	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if req.Language == "" && a.AnyLanguage() != b.AnyLanguage() {
			return a.AnyLanguage()
		}
		if a.WordTimestamps != b.WordTimestamps {
			return a.WordTimestamps
		}
		if a.Diarization != b.Diarization {
			return a.Diarization
		}
		if req.Language != "" && a.AnyLanguage() != b.AnyLanguage() {
			return !a.AnyLanguage()
		}
		return a.RTF(10) < b.RTF(10)
	})
	return survivors[0]
}

func rationale(c types.Capabilities, req Requirements, pool int) string {
	var parts []string
	if req.Language == "" && c.AnyLanguage() {
		parts = append(parts, "any-language")
	}
	if c.WordTimestamps {
		parts = append(parts, "word timestamps")
	}
	if c.Diarization {
		parts = append(parts, "diarization")
	}
	if req.Language != "" && !c.AnyLanguage() {
		parts = append(parts, "language-specific")
	}
	parts = append(parts, fmt.Sprintf("rtf %.2f", c.RTF(10)))
	return fmt.Sprintf("best of %d: %s", pool, strings.Join(parts, ", "))
}
