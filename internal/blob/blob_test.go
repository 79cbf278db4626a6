package blob_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dalstonhq/dalston/internal/blob"
)

func TestKeys_CanonicalLayout(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"task input", blob.TaskInputKey("j1", "t1"), "jobs/j1/tasks/t1/input.json"},
		{"task output", blob.TaskOutputKey("j1", "t1"), "jobs/j1/tasks/t1/output.json"},
		{"artifact", blob.ArtifactKey("j1", "t1", "words.json"), "jobs/j1/tasks/t1/artifacts/words.json"},
		{"audio", blob.AudioKey("j1", "prepared.wav"), "jobs/j1/audio/prepared.wav"},
		{"channel audio", blob.AudioKey("j1", "prepared_ch0.wav"), "jobs/j1/audio/prepared_ch0.wav"},
		{"transcript", blob.TranscriptKey("j1"), "jobs/j1/transcript.json"},
		{"session audio", blob.SessionAudioKey("s1"), "sessions/s1/audio.wav"},
		{"session transcript", blob.SessionTranscriptKey("s1"), "sessions/s1/transcript.json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("key = %q, want %q", tc.got, tc.want)
			}
		})
	}
}

func TestMemory_JSONRoundTrip(t *testing.T) {
	m := blob.NewMemory()
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := m.PutJSON(ctx, "jobs/j1/tasks/t1/output.json", payload{Name: "x", Count: 3}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}

	var got payload
	if err := m.GetJSON(ctx, "jobs/j1/tasks/t1/output.json", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.Name != "x" || got.Count != 3 {
		t.Errorf("got = %+v", got)
	}
}

func TestMemory_GetJSONMissing(t *testing.T) {
	m := blob.NewMemory()
	var v struct{}
	err := m.GetJSON(context.Background(), "nope", &v)
	if !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_FileRoundTrip(t *testing.T) {
	m := blob.NewMemory()
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.wav")
	if err := os.WriteFile(src, []byte("RIFF-ish"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if err := m.PutFile(ctx, "jobs/j1/audio/prepared.wav", src); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	exists, err := m.Exists(ctx, "jobs/j1/audio/prepared.wav")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Error("object missing after PutFile")
	}

	// Download into a nested directory that does not exist yet.
	dst := filepath.Join(dir, "scratch", "task", "prepared.wav")
	if err := m.GetFile(ctx, "jobs/j1/audio/prepared.wav", dst); err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(data) != "RIFF-ish" {
		t.Errorf("downloaded content = %q", data)
	}
}

func TestMemory_ExistsFalseForMissing(t *testing.T) {
	m := blob.NewMemory()
	exists, err := m.Exists(context.Background(), "jobs/j1/tasks/t1/output.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("Exists = true for missing object")
	}
}
