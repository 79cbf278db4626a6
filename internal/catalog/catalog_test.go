package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/pkg/types"
)

const testCatalogYAML = `engines:
  - engine_id: whisper-large
    version: "3"
    stages: [transcribe]
    word_timestamps: true
    streaming: false
    model_variants: [fast, accurate]
    requires_gpu: true
    min_vram_gb: 10
    rtf_gpu: 0.1
    rtf_cpu: 1.5
    image: dalston/whisper-large:3
  - engine_id: parakeet
    version: "1"
    stages: [transcribe]
    languages: [en]
    word_timestamps: true
    streaming: true
    rtf_gpu: 0.05
    image: dalston/parakeet:1
  - engine_id: ffprep
    stages: [prepare]
    image: dalston/ffprep:1
  - engine_id: assembler
    stages: [merge]
    image: dalston/assembler:1
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engines.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	c, err := catalog.Load(writeCatalog(t, testCatalogYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Engines) != 4 {
		t.Fatalf("engines = %d, want 4", len(c.Engines))
	}

	w := c.Get("whisper-large")
	if w == nil {
		t.Fatal("Get(whisper-large) = nil")
	}
	if !w.WordTimestamps || !w.RequiresGPU || w.RTFGPU != 0.1 {
		t.Errorf("whisper-large capabilities = %+v", w.Capabilities)
	}
	if w.Image != "dalston/whisper-large:3" {
		t.Errorf("image = %q", w.Image)
	}
	if !w.AnyLanguage() {
		t.Error("whisper-large should accept any language")
	}
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeCatalog(t, `engines:
  - engine_id: whisper
    stages: [transcribe]
    wordtimestamps: true
    image: x
`)
	if _, err := catalog.Load(path); err == nil {
		t.Error("Load accepted a misspelled capability field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := catalog.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load succeeded on a missing file")
	}
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	_, err := catalog.New([]types.CatalogEntry{
		{Capabilities: types.Capabilities{EngineID: "a", Stages: []types.Stage{"bogus"}}},
		{Capabilities: types.Capabilities{EngineID: "a", Stages: []types.Stage{types.StageMerge}}, Image: "x"},
		{Capabilities: types.Capabilities{EngineID: "b"}, Image: "y"},
	})
	if err == nil {
		t.Fatal("New accepted an invalid catalog")
	}
	for _, want := range []string{"unknown stage", "duplicate engine_id", "no stages", "missing image"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestEnginesForStage(t *testing.T) {
	c, err := catalog.Load(writeCatalog(t, testCatalogYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := c.EnginesForStage(types.StageTranscribe)
	if len(got) != 2 {
		t.Fatalf("transcribe engines = %d, want 2", len(got))
	}
	if c.EnginesForStage(types.StageDiarize) != nil {
		t.Error("diarize engines should be empty")
	}
}

func TestEnginesSupportingLanguage(t *testing.T) {
	c, err := catalog.Load(writeCatalog(t, testCatalogYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// "hr" excludes parakeet (en only) but whisper-large accepts anything.
	got := c.EnginesSupportingLanguage(types.StageTranscribe, "hr")
	if len(got) != 1 || got[0].EngineID != "whisper-large" {
		t.Errorf("hr engines = %+v", got)
	}

	got = c.EnginesSupportingLanguage(types.StageTranscribe, "EN")
	if len(got) != 2 {
		t.Errorf("en engines = %d, want 2 (case-insensitive match)", len(got))
	}
}

func TestValidateLanguageSupport(t *testing.T) {
	c, err := catalog.New([]types.CatalogEntry{
		{Capabilities: types.Capabilities{
			EngineID:  "parakeet",
			Stages:    []types.Stage{types.StageTranscribe},
			Languages: []string{"en"},
		}, Image: "x"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.ValidateLanguageSupport(types.StageTranscribe, "en"); err != nil {
		t.Errorf("en rejected: %v", err)
	}
	if err := c.ValidateLanguageSupport(types.StageTranscribe, "auto"); err != nil {
		t.Errorf("auto rejected: %v", err)
	}

	err = c.ValidateLanguageSupport(types.StageTranscribe, "hr")
	var langErr *catalog.LanguageError
	if !errors.As(err, &langErr) {
		t.Fatalf("err = %T (%v), want *LanguageError", err, err)
	}
	if langErr.Stage != types.StageTranscribe || langErr.Language != "hr" {
		t.Errorf("LanguageError = %+v", langErr)
	}
	if len(langErr.Alternatives) != 1 || langErr.Alternatives[0] != "parakeet" {
		t.Errorf("Alternatives = %v", langErr.Alternatives)
	}
	if !strings.Contains(langErr.Error(), "parakeet") {
		t.Errorf("message does not name alternatives: %v", langErr)
	}
}
