package orchestrator_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/catalog"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/orchestrator"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/selector"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/stream"
	"github.com/dalstonhq/dalston/internal/worker"
	"github.com/dalstonhq/dalston/pkg/engine"
	"github.com/dalstonhq/dalston/pkg/engine/enginetest"
	"github.com/dalstonhq/dalston/pkg/types"
)

const waitLimit = 15 * time.Second

// Capability blocks shared between the catalog and the simulation engines.
// The transcriber has neither word timestamps nor diarization so word
// granularity inserts align and diarize stays a separate stage.
var (
	prepareCaps    = types.Capabilities{EngineID: "sim-prepare", Stages: []types.Stage{types.StagePrepare}, RTFCPU: 0.01}
	transcribeCaps = types.Capabilities{EngineID: "sim-transcribe", Stages: []types.Stage{types.StageTranscribe}, RTFCPU: 0.05}
	alignCaps      = types.Capabilities{EngineID: "sim-align", Stages: []types.Stage{types.StageAlign}, WordTimestamps: true, RTFCPU: 0.02}
	diarizeCaps    = types.Capabilities{EngineID: "sim-diarize", Stages: []types.Stage{types.StageDiarize}, Diarization: true, RTFCPU: 0.05}
	piiCaps        = types.Capabilities{EngineID: "sim-pii_detect", Stages: []types.Stage{types.StagePIIDetect}, RTFCPU: 0.01}
	redactCaps     = types.Capabilities{EngineID: "sim-audio_redact", Stages: []types.Stage{types.StageAudioRedact}, RTFCPU: 0.01}
	mergeCaps      = types.Capabilities{EngineID: "sim-merge", Stages: []types.Stage{types.StageMerge}, RTFCPU: 0.01}
)

func catalogEntries() []types.CatalogEntry {
	all := []types.Capabilities{prepareCaps, transcribeCaps, alignCaps, diarizeCaps, piiCaps, redactCaps, mergeCaps}
	entries := make([]types.CatalogEntry, len(all))
	for i, caps := range all {
		entries[i] = types.CatalogEntry{Capabilities: caps, Image: "dalston/" + caps.EngineID + ":test"}
	}
	return entries
}

// fakeClock is a mutable clock shared by the orchestrator components under
// test. Workers keep running on real time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store *store.Store
	blob  *blob.Memory
	reg   *registry.Registry
	orch  *orchestrator.Orchestrator
	rdb   *redis.Client
}

func newFixture(t *testing.T, opts ...orchestrator.Option) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(rdb)
	bs := blob.NewMemory()
	reg := registry.New(st)
	cat, err := catalog.New(catalogEntries())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	return &fixture{
		store: st,
		blob:  bs,
		reg:   reg,
		rdb:   rdb,
		orch: orchestrator.New(st, bs, stream.NewEventLog(rdb), stream.NewQueue(rdb),
			stream.NewBus(rdb), reg, cat, opts...),
	}
}

// startWorkers launches one runner per processor and blocks until each has
// registered, so engine selection sees live instances.
func (f *fixture) startWorkers(t *testing.T, procs ...engine.Processor) {
	t.Helper()
	for _, proc := range procs {
		caps := proc.Capabilities()
		instanceID := caps.EngineID + "-1"
		r := worker.New(caps.EngineID, instanceID, proc,
			f.store, f.blob, stream.NewQueue(f.rdb), stream.NewEventLog(f.rdb), f.reg,
			worker.WithHeartbeatInterval(20*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = r.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})

		waitFor(t, func() bool {
			_, err := f.reg.Get(context.Background(), instanceID)
			return err == nil
		})
	}
}

func (f *fixture) startOrchestrator(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("orchestrator run: %v", err)
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never held")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (f *fixture) waitStatus(t *testing.T, jobID string, want types.JobStatus) *orchestrator.JobView {
	t.Helper()
	var view *orchestrator.JobView
	waitFor(t, func() bool {
		v, err := f.orch.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		view = v
		return v.Job.Status == want
	})
	return view
}

func (f *fixture) transcript(t *testing.T, job *types.Job) *types.MergeOutput {
	t.Helper()
	var out types.MergeOutput
	if err := f.blob.GetJSON(context.Background(), blob.TranscriptKey(job.ID), &out); err != nil {
		t.Fatalf("transcript.json: %v", err)
	}
	return &out
}

func monoMedia() types.MediaInfo {
	return types.MediaInfo{URI: "s3://uploads/call.mp3", Format: "mp3", Duration: 2, Channels: 1}
}

func TestJob_LinearPipelineCompletes(t *testing.T) {
	f := newFixture(t)
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Transcribe{Caps: transcribeCaps},
		&enginetest.Merge{Caps: mergeCaps})
	f.startOrchestrator(t)

	ctx := context.Background()
	job, err := f.orch.CreateJob(ctx, orchestrator.JobRequest{
		Media:  monoMedia(),
		Params: types.JobParams{Language: "en"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	view := f.waitStatus(t, job.ID, types.JobCompleted)
	if len(view.Tasks) != 3 {
		t.Fatalf("tasks = %d, want prepare+transcribe+merge", len(view.Tasks))
	}
	for _, task := range view.Tasks {
		if task.Status != types.TaskCompleted {
			t.Errorf("task %s = %s, want COMPLETED", task.Name, task.Status)
		}
	}
	if view.Job.TranscriptURI != blob.TranscriptKey(job.ID) {
		t.Errorf("transcript uri = %q", view.Job.TranscriptURI)
	}

	tr := f.transcript(t, job)
	if tr.Text != "the quick brown fox jumps over the lazy dog" {
		t.Errorf("transcript text = %q", tr.Text)
	}

	active, err := f.store.ActiveJobs(ctx)
	if err != nil || len(active) != 0 {
		t.Errorf("active jobs = %v (err %v), want none", active, err)
	}
	terminal, err := f.store.TerminalJobs(ctx)
	if err != nil || len(terminal) != 1 {
		t.Errorf("terminal jobs = %v (err %v), want the finished job", terminal, err)
	}
}

func TestJob_PerChannelFanOut(t *testing.T) {
	f := newFixture(t)
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Transcribe{Caps: transcribeCaps},
		&enginetest.Merge{Caps: mergeCaps})
	f.startOrchestrator(t)

	job, err := f.orch.CreateJob(context.Background(), orchestrator.JobRequest{
		Media: types.MediaInfo{URI: "s3://uploads/stereo.wav", Format: "wav", Duration: 2, Channels: 2},
		Params: types.JobParams{
			Language:         "en",
			SpeakerDetection: types.SpeakerPerChannel,
		},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	view := f.waitStatus(t, job.ID, types.JobCompleted)
	if len(view.Tasks) != 4 {
		t.Fatalf("tasks = %d, want prepare + 2 transcribe branches + merge", len(view.Tasks))
	}

	tr := f.transcript(t, job)
	var speakers []string
	for _, seg := range tr.Segments {
		speakers = append(speakers, seg.Speaker)
	}
	sort.Strings(speakers)
	if len(speakers) != 2 || speakers[0] != "CHANNEL_0" || speakers[1] != "CHANNEL_1" {
		t.Errorf("segment speakers = %v, want CHANNEL_0 and CHANNEL_1", speakers)
	}
}

func TestJob_FullPipelineWithRedaction(t *testing.T) {
	f := newFixture(t)
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Transcribe{Caps: transcribeCaps, Text: "please email bob@example.com about the invoice"},
		&enginetest.Align{Caps: alignCaps},
		&enginetest.Diarize{Caps: diarizeCaps},
		&enginetest.PIIDetect{Caps: piiCaps},
		&enginetest.AudioRedact{Caps: redactCaps},
		&enginetest.Merge{Caps: mergeCaps})
	f.startOrchestrator(t)

	ctx := context.Background()
	job, err := f.orch.CreateJob(ctx, orchestrator.JobRequest{
		Media: monoMedia(),
		Params: types.JobParams{
			Language:         "en",
			Granularity:      types.GranularityWord,
			SpeakerDetection: types.SpeakerDiarize,
			PIIDetect:        true,
			RedactAudio:      true,
		},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	view := f.waitStatus(t, job.ID, types.JobCompleted)
	if len(view.Tasks) != 7 {
		t.Fatalf("tasks = %d, want all seven stages", len(view.Tasks))
	}

	tr := f.transcript(t, job)
	if !tr.WordTimestamps {
		t.Error("word timestamps missing despite word granularity")
	}
	if len(tr.Speakers) == 0 {
		t.Error("no speakers despite diarization")
	}

	// The redaction stage rewrote the prepared audio.
	ok, err := f.blob.Exists(ctx, blob.AudioKey(job.ID, "redacted.wav"))
	if err != nil || !ok {
		t.Errorf("redacted audio missing (err %v)", err)
	}
}

func TestJob_AlignmentSkippedDegradesGracefully(t *testing.T) {
	f := newFixture(t)
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Transcribe{Caps: transcribeCaps},
		&enginetest.Align{Caps: alignCaps, Unsupported: []string{"xx"}},
		&enginetest.Merge{Caps: mergeCaps})
	f.startOrchestrator(t)

	job, err := f.orch.CreateJob(context.Background(), orchestrator.JobRequest{
		Media: monoMedia(),
		Params: types.JobParams{
			Language:    "xx",
			Granularity: types.GranularityWord,
		},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	view := f.waitStatus(t, job.ID, types.JobCompleted)
	for _, task := range view.Tasks {
		if task.Status != types.TaskCompleted {
			t.Errorf("task %s = %s, want COMPLETED", task.Name, task.Status)
		}
	}

	tr := f.transcript(t, job)
	if tr.WordTimestamps {
		t.Error("word timestamps claimed despite skipped alignment")
	}
	if len(tr.PipelineWarnings) != 1 || !strings.Contains(tr.PipelineWarnings[0], `no model for "xx"`) {
		t.Errorf("pipeline warnings = %v, want the alignment skip reason", tr.PipelineWarnings)
	}
	if tr.Text == "" {
		t.Error("transcript text empty; segments should survive a skipped alignment")
	}
}

func TestJob_FailsAfterRetryExhaustion(t *testing.T) {
	f := newFixture(t)
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Processor{
			Caps: transcribeCaps,
			ProcessFunc: func(context.Context, engine.TaskInput) (engine.TaskOutput, error) {
				return engine.TaskOutput{}, errors.New("model load failed")
			},
		},
		&enginetest.Merge{Caps: mergeCaps})
	f.startOrchestrator(t)

	job, err := f.orch.CreateJob(context.Background(), orchestrator.JobRequest{
		Media:  monoMedia(),
		Params: types.JobParams{Language: "en", MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	view := f.waitStatus(t, job.ID, types.JobFailed)
	if view.Job.Error == "" {
		t.Error("failed job carries no error")
	}
	for _, task := range view.Tasks {
		if task.Stage != types.StageTranscribe {
			continue
		}
		if task.Status != types.TaskFailed {
			t.Errorf("transcribe task = %s, want FAILED", task.Status)
		}
		if task.Retries != 1 {
			t.Errorf("retries = %d, want exhausted at 1", task.Retries)
		}
	}
}

func TestJob_CancelMidFlight(t *testing.T) {
	gate := make(chan struct{})
	sim := &enginetest.Transcribe{Caps: transcribeCaps}

	f := newFixture(t)
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Processor{
			Caps: transcribeCaps,
			ProcessFunc: func(ctx context.Context, in engine.TaskInput) (engine.TaskOutput, error) {
				<-gate
				return sim.Process(ctx, in)
			},
		},
		&enginetest.Merge{Caps: mergeCaps})
	f.startOrchestrator(t)

	ctx := context.Background()
	job, err := f.orch.CreateJob(ctx, orchestrator.JobRequest{
		Media:  monoMedia(),
		Params: types.JobParams{Language: "en"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Wait until the transcriber is actually mid-utterance, then cancel.
	waitFor(t, func() bool {
		view, err := f.orch.GetJob(ctx, job.ID)
		if err != nil {
			return false
		}
		for _, task := range view.Tasks {
			if task.Stage == types.StageTranscribe && task.Status == types.TaskRunning {
				return true
			}
		}
		return false
	})
	if err := f.orch.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	view, err := f.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if view.Job.Status != types.JobCancelling {
		t.Fatalf("status = %s, want CANCELLING while a task is in flight", view.Job.Status)
	}

	close(gate)
	view = f.waitStatus(t, job.ID, types.JobCancelled)
	for _, task := range view.Tasks {
		if task.Stage == types.StageMerge && task.Status != types.TaskCancelled {
			t.Errorf("merge task = %s, want CANCELLED", task.Status)
		}
	}

	if err := f.orch.CancelJob(ctx, job.ID); !errors.Is(err, orchestrator.ErrJobTerminal) {
		t.Errorf("second cancel = %v, want ErrJobTerminal", err)
	}
}

// A dispatch already sitting on a stream when the cancel sentinel goes up is
// consumed and ACKed by the next worker without running; the job must still
// reach CANCELLED afterwards.
func TestJob_CancelFinalizesAfterQueuedDispatchConsumed(t *testing.T) {
	f := newFixture(t, orchestrator.WithBehavior(config.Wait, time.Minute))
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Transcribe{Caps: transcribeCaps})
	f.startOrchestrator(t)

	ctx := context.Background()
	job, err := f.orch.CreateJob(ctx, orchestrator.JobRequest{
		Media:  monoMedia(),
		Params: types.JobParams{Language: "en"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// No merge instance is alive yet, so the wait policy leaves the merge
	// dispatch queued with nobody consuming it.
	waitFor(t, func() bool {
		view, err := f.orch.GetJob(ctx, job.ID)
		if err != nil {
			return false
		}
		for _, task := range view.Tasks {
			if task.Stage == types.StageMerge && task.Status == types.TaskQueued {
				return true
			}
		}
		return false
	})

	if err := f.orch.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	view, err := f.orch.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if view.Job.Status != types.JobCancelling {
		t.Fatalf("status = %s, want CANCELLING while the merge dispatch is queued", view.Job.Status)
	}

	// The merge worker arrives late, consumes the dispatch, and must report
	// the skip so finalization sees no in-flight work.
	f.startWorkers(t, &enginetest.Merge{Caps: mergeCaps})

	view = f.waitStatus(t, job.ID, types.JobCancelled)
	for _, task := range view.Tasks {
		if task.Stage == types.StageMerge && task.Status != types.TaskCancelled {
			t.Errorf("merge task = %s, want CANCELLED", task.Status)
		}
	}
	if ok, _ := f.blob.Exists(ctx, blob.TranscriptKey(job.ID)); ok {
		t.Error("transcript written for a cancelled job")
	}
}

func TestJob_SweeperRecoversLostCompletion(t *testing.T) {
	clock := newFakeClock()
	f := newFixture(t, orchestrator.WithNow(clock.Now))
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Merge{Caps: mergeCaps})

	// A transcribe instance that heartbeats but never consumes: selection
	// succeeds, the dispatch sits unread, simulating a worker that died
	// right after uploading its output.
	ctx := context.Background()
	ghost := &types.EngineInstance{
		EngineID:     transcribeCaps.EngineID,
		InstanceID:   "sim-transcribe-ghost",
		Stage:        types.StageTranscribe,
		Capabilities: transcribeCaps,
	}
	if err := f.reg.Register(ctx, ghost); err != nil {
		t.Fatalf("register ghost: %v", err)
	}
	f.startOrchestrator(t)

	job, err := f.orch.CreateJob(ctx, orchestrator.JobRequest{
		Media:  monoMedia(),
		Params: types.JobParams{Language: "en"},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Let prepare finish and transcribe reach QUEUED.
	var transcribe *types.Task
	waitFor(t, func() bool {
		view, err := f.orch.GetJob(ctx, job.ID)
		if err != nil {
			return false
		}
		for _, task := range view.Tasks {
			if task.Stage == types.StageTranscribe && task.Status == types.TaskQueued {
				transcribe = task
				return true
			}
		}
		return false
	})

	// The "dead" worker got as far as uploading output.json.
	sim := &enginetest.Transcribe{Caps: transcribeCaps}
	out, err := sim.Process(ctx, engine.TaskInput{TaskID: transcribe.ID, Stage: types.StageTranscribe})
	if err != nil {
		t.Fatalf("simulate output: %v", err)
	}
	if err := f.blob.PutJSON(ctx, blob.TaskOutputKey(job.ID, transcribe.ID), types.TaskOutputFile{
		TaskID: transcribe.ID, CompletedAt: time.Now().UTC(), Data: out.Data,
	}); err != nil {
		t.Fatalf("plant output: %v", err)
	}

	// Past the task timeout, a sweep turns the planted output into a
	// recovered completion, which unblocks merge and finishes the job.
	clock.Advance(transcribe.Timeout + time.Minute)
	if err := f.orch.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	view := f.waitStatus(t, job.ID, types.JobCompleted)
	for _, task := range view.Tasks {
		if task.Status != types.TaskCompleted {
			t.Errorf("task %s = %s, want COMPLETED", task.Name, task.Status)
		}
	}
}

func TestCreateJob_NoCapableEngine(t *testing.T) {
	f := newFixture(t)
	f.startWorkers(t,
		&enginetest.Prepare{Caps: prepareCaps},
		&enginetest.Merge{Caps: mergeCaps})

	_, err := f.orch.CreateJob(context.Background(), orchestrator.JobRequest{
		Media:  monoMedia(),
		Params: types.JobParams{Language: "en"},
	})
	var noEngine *selector.NoCapableEngineError
	if !errors.As(err, &noEngine) {
		t.Fatalf("err = %v, want NoCapableEngineError", err)
	}
	if noEngine.Stage != types.StageTranscribe {
		t.Errorf("failing stage = %s, want transcribe", noEngine.Stage)
	}

	active, _ := f.store.ActiveJobs(context.Background())
	if len(active) != 0 {
		t.Errorf("active jobs = %v, want none after rejected submission", active)
	}
}

func TestCreateJob_InvalidParams(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.CreateJob(context.Background(), orchestrator.JobRequest{
		Media:  monoMedia(),
		Params: types.JobParams{Language: "en", RedactAudio: true},
	})
	if err == nil {
		t.Fatal("redact_audio without pii_detect accepted")
	}

	_, err = f.orch.CreateJob(context.Background(), orchestrator.JobRequest{
		Params: types.JobParams{Language: "en"},
	})
	if err == nil {
		t.Fatal("missing media accepted")
	}
}
