// Package catalog loads the static engine catalog: the set of deployable
// engine variants and their declared capabilities. The catalog answers
// "what engines could exist"; the registry answers "what is running now".
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dalstonhq/dalston/pkg/types"
)

// Catalog is the parsed, validated engine catalog. Immutable after Load.
type Catalog struct {
	Engines []types.CatalogEntry `yaml:"engines"`

	byID map[string]*types.CatalogEntry
}

// Load reads and validates a catalog YAML file. Unknown fields are rejected
// so a typo in a capability name fails startup instead of silently dropping
// the capability.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	c.index()
	return &c, nil
}

// New builds a catalog from in-memory entries. Tests and embedded defaults.
func New(entries []types.CatalogEntry) (*Catalog, error) {
	c := &Catalog{Engines: entries}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.index()
	return c, nil
}

// Validate checks structural invariants and reports every violation at once.
func (c *Catalog) Validate() error {
	var errs []error
	if len(c.Engines) == 0 {
		errs = append(errs, errors.New("no engines declared"))
	}
	seen := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if e.EngineID == "" {
			errs = append(errs, fmt.Errorf("engine %d: missing engine_id", i))
			continue
		}
		if seen[e.EngineID] {
			errs = append(errs, fmt.Errorf("engine %s: duplicate engine_id", e.EngineID))
		}
		seen[e.EngineID] = true
		if len(e.Stages) == 0 {
			errs = append(errs, fmt.Errorf("engine %s: no stages declared", e.EngineID))
		}
		for _, s := range e.Stages {
			if !s.IsValid() {
				errs = append(errs, fmt.Errorf("engine %s: unknown stage %q", e.EngineID, s))
			}
		}
		if e.Image == "" {
			errs = append(errs, fmt.Errorf("engine %s: missing image", e.EngineID))
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) index() {
	c.byID = make(map[string]*types.CatalogEntry, len(c.Engines))
	for i := range c.Engines {
		c.byID[c.Engines[i].EngineID] = &c.Engines[i]
	}
}

// Get returns the entry for an engine id, or nil when not declared.
func (c *Catalog) Get(engineID string) *types.CatalogEntry {
	return c.byID[engineID]
}

// EnginesForStage returns every declared engine that performs the stage.
func (c *Catalog) EnginesForStage(stage types.Stage) []types.CatalogEntry {
	var out []types.CatalogEntry
	for _, e := range c.Engines {
		if e.SupportsStage(stage) {
			out = append(out, e)
		}
	}
	return out
}

// EnginesSupportingLanguage returns engines that perform the stage and accept
// the language. An engine with no declared language set accepts any.
func (c *Catalog) EnginesSupportingLanguage(stage types.Stage, lang string) []types.CatalogEntry {
	var out []types.CatalogEntry
	for _, e := range c.EnginesForStage(stage) {
		if e.SupportsLanguage(lang) {
			out = append(out, e)
		}
	}
	return out
}

// LanguageError reports that no declared engine can serve a stage in a
// language. Alternatives name the engines that serve the stage at all, so
// the caller can say what would work.
type LanguageError struct {
	Stage        types.Stage
	Language     string
	Alternatives []string
}

func (e *LanguageError) Error() string {
	msg := fmt.Sprintf("catalog: no engine supports stage %s in language %q", e.Stage, e.Language)
	if len(e.Alternatives) > 0 {
		msg += "; engines for this stage: " + strings.Join(e.Alternatives, ", ")
	}
	return msg
}

// ValidateLanguageSupport is the scheduling pre-flight: it fails before any
// task is enqueued when the catalog proves the language cannot be served.
// An unknown language ("auto"/empty) always passes — only an engine can
// detect it.
func (c *Catalog) ValidateLanguageSupport(stage types.Stage, lang string) error {
	if lang == "" || lang == "auto" {
		return nil
	}
	if len(c.EnginesSupportingLanguage(stage, lang)) > 0 {
		return nil
	}
	alts := make([]string, 0)
	for _, e := range c.EnginesForStage(stage) {
		alts = append(alts, e.EngineID)
	}
	return &LanguageError{Stage: stage, Language: strings.ToLower(lang), Alternatives: alts}
}
