package verifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/merkle"
	"Fairfy-Chain/internal/observability/alerting"
	"Fairfy-Chain/internal/protocol"
)

const testChunk = 64

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerter) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Code)
	}
	return out
}

type fixture struct {
	data   []byte
	tree   *merkle.Tree
	commit protocol.CommitMessage
}

func newFixture(t *testing.T, round string, contentLeaves int) fixture {
	t.Helper()
	data := make([]byte, contentLeaves*testChunk)
	for i := range data {
		data[i] = byte(i * 7)
	}
	leaves, err := merkle.DeriveLeaves(data, testChunk)
	if err != nil {
		t.Fatalf("derive leaves: %v", err)
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	return fixture{
		data:   data,
		tree:   tree,
		commit: protocol.NewCommit(round, tree.Root(), leaves, 2),
	}
}

func (f fixture) reveal(t *testing.T, round string, index int) protocol.RevealMessage {
	t.Helper()
	msg, err := protocol.BuildReveal(round, f.data, f.tree, testChunk, index, []int{0, 5, 63})
	if err != nil {
		t.Fatalf("build reveal: %v", err)
	}
	return msg
}

type harness struct {
	service   *Service
	processor *Processor
	store     *MemoryStore
	alerts    *recordingAlerter
	cancel    context.CancelFunc
}

func startHarness(t *testing.T, opts ...ProcessorOption) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	alerts := &recordingAlerter{}
	opts = append([]ProcessorOption{WithAlertDispatcher(alerts), WithRetryDelay(time.Millisecond)}, opts...)
	processor := NewProcessor(store, queue, queue, opts...)
	service := NewService(store, queue, 5)
	service.AttachActivity(processor)

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(cancel)
	return &harness{service: service, processor: processor, store: store, alerts: alerts, cancel: cancel}
}

func (h *harness) await(t *testing.T, id string) *Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := h.service.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Done() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s not finished: %+v", id, job)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestProcessorAcceptsHonestRound(t *testing.T) {
	h := startHarness(t)
	f := newFixture(t, "round-1", 3)

	commitJob, err := h.service.SubmitCommit(context.Background(), f.commit)
	if err != nil {
		t.Fatalf("submit commit: %v", err)
	}
	job := h.await(t, commitJob.ID)
	if job.Status != StatusSucceeded || job.Verdict == nil || !job.Verdict.Accepted {
		t.Fatalf("commit not recorded: %+v", job)
	}
	if job.Verdict.BaselineDiffs != -1 || job.Verdict.RepeatedRoot {
		t.Fatalf("unexpected commit verdict: %+v", job.Verdict)
	}

	revealJob, err := h.service.SubmitReveal(context.Background(), f.reveal(t, "round-1", 2))
	if err != nil {
		t.Fatalf("submit reveal: %v", err)
	}
	job = h.await(t, revealJob.ID)
	if job.Status != StatusSucceeded || !job.Verdict.Accepted {
		t.Fatalf("reveal not accepted: %+v", job)
	}

	health, err := h.service.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != HealthStatus || health.RecordedRoots != 1 || health.Jobs.Succeeded != 2 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestProcessorRejectsTamperedReveal(t *testing.T) {
	h := startHarness(t)
	f := newFixture(t, "round-1", 2)

	commitJob, _ := h.service.SubmitCommit(context.Background(), f.commit)
	h.await(t, commitJob.ID)

	reveal := f.reveal(t, "round-1", 1)
	reveal.Values[1]++
	revealJob, err := h.service.SubmitReveal(context.Background(), reveal)
	if err != nil {
		t.Fatalf("submit reveal: %v", err)
	}
	job := h.await(t, revealJob.ID)
	if job.Status != StatusSucceeded || job.Verdict.Accepted || job.Verdict.Reason != protocol.ReasonValueMismatch {
		t.Fatalf("expected value mismatch verdict: %+v", job)
	}
	if codes := h.alerts.codes(); len(codes) != 1 || codes[0] != xerrors.CodeRevealRejected {
		t.Fatalf("expected one rejection alert, got %v", codes)
	}
}

func TestProcessorRejectsInconsistentCommit(t *testing.T) {
	h := startHarness(t)
	f := newFixture(t, "round-1", 2)
	f.commit.Root = merkle.HashChunk([]byte("forged"))

	commitJob, _ := h.service.SubmitCommit(context.Background(), f.commit)
	job := h.await(t, commitJob.ID)
	if job.Verdict == nil || job.Verdict.Accepted || job.Verdict.Reason != protocol.ReasonRootMismatch {
		t.Fatalf("expected root mismatch verdict: %+v", job)
	}
	if roots, _ := h.store.RecordedRoots(context.Background()); roots != 0 {
		t.Fatalf("rejected commitment must not be recorded")
	}

	revealJob, err := h.service.SubmitReveal(context.Background(), f.reveal(t, "round-1", 0))
	if err != nil {
		t.Fatalf("submit reveal: %v", err)
	}
	job = h.await(t, revealJob.ID)
	if job.Status != StatusSucceeded || job.Attempts != 1 || job.Verdict.Accepted || job.Verdict.Reason != protocol.ReasonCommitRejected {
		t.Fatalf("expected commit_rejected verdict on first attempt: %+v", job)
	}
}

func TestProcessorKeepsFirstCommitment(t *testing.T) {
	h := startHarness(t)
	honest := newFixture(t, "round-1", 2)
	other := newFixture(t, "round-1", 3)

	first, _ := h.service.SubmitCommit(context.Background(), honest.commit)
	h.await(t, first.ID)

	second, _ := h.service.SubmitCommit(context.Background(), other.commit)
	job := h.await(t, second.ID)
	if job.Status != StatusSucceeded || job.Verdict.Accepted || job.Verdict.Reason != protocol.ReasonRoundCommitted {
		t.Fatalf("expected round_already_committed verdict: %+v", job)
	}
	if codes := h.alerts.codes(); len(codes) != 1 || codes[0] != CodeRoundCommitted {
		t.Fatalf("expected one round committed alert, got %v", codes)
	}

	revealJob, _ := h.service.SubmitReveal(context.Background(), honest.reveal(t, "round-1", 1))
	job = h.await(t, revealJob.ID)
	if !job.Verdict.Accepted {
		t.Fatalf("reveal against the first commitment should pass: %+v", job.Verdict)
	}
}

func TestProcessorReleasesParkedRevealOnCommit(t *testing.T) {
	h := startHarness(t, WithRetryDelay(time.Hour))
	f := newFixture(t, "round-1", 2)

	revealJob, err := h.service.SubmitReveal(context.Background(), f.reveal(t, "round-1", 1))
	if err != nil {
		t.Fatalf("submit reveal: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for h.processor.Parked() != 1 {
		select {
		case <-deadline:
			t.Fatalf("reveal was not parked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	commitJob, _ := h.service.SubmitCommit(context.Background(), f.commit)
	h.await(t, commitJob.ID)
	job := h.await(t, revealJob.ID)
	if job.Status != StatusSucceeded || !job.Verdict.Accepted || job.Attempts != 2 {
		t.Fatalf("parked reveal should pass once the commitment lands: %+v", job)
	}
	if h.processor.Parked() != 0 {
		t.Fatalf("parked reveals left behind")
	}
}

func TestProcessorDenylistAndBaseline(t *testing.T) {
	f := newFixture(t, "round-1", 2)
	leaves := f.commit.Leaves()

	t.Run("denied", func(t *testing.T) {
		h := startHarness(t, WithDenylist([]merkle.Hash{leaves[1]}))
		commitJob, _ := h.service.SubmitCommit(context.Background(), f.commit)
		job := h.await(t, commitJob.ID)
		if job.Verdict.Accepted || job.Verdict.Reason != ReasonDeniedHash {
			t.Fatalf("expected denied verdict: %+v", job.Verdict)
		}
	})

	t.Run("baseline", func(t *testing.T) {
		baseline := []merkle.Hash{leaves[0], merkle.HashChunk([]byte("other"))}
		h := startHarness(t, WithBaseline(baseline))
		commitJob, _ := h.service.SubmitCommit(context.Background(), f.commit)
		job := h.await(t, commitJob.ID)
		if !job.Verdict.Accepted || job.Verdict.BaselineDiffs != 1 {
			t.Fatalf("expected one baseline difference: %+v", job.Verdict)
		}
	})
}

func TestProcessorFlagsRepeatedRoot(t *testing.T) {
	h := startHarness(t)
	f := newFixture(t, "round-1", 2)

	first, _ := h.service.SubmitCommit(context.Background(), f.commit)
	h.await(t, first.ID)

	replay := f.commit
	replay.Round = "round-2"
	second, _ := h.service.SubmitCommit(context.Background(), replay)
	job := h.await(t, second.ID)
	if !job.Verdict.Accepted || !job.Verdict.RepeatedRoot {
		t.Fatalf("expected repeated root flag: %+v", job.Verdict)
	}
}

func TestProcessorRevealWithoutCommitmentExhaustsRetries(t *testing.T) {
	h := startHarness(t)
	f := newFixture(t, "round-1", 2)

	revealJob, err := h.service.SubmitReveal(context.Background(), f.reveal(t, "never-committed", 0))
	if err != nil {
		t.Fatalf("submit reveal: %v", err)
	}
	job := h.await(t, revealJob.ID)
	if job.Status != StatusFailed || job.ErrorCode != string(xerrors.CodeCommitmentUnknown) {
		t.Fatalf("expected terminal commitment failure: %+v", job)
	}
	if job.Attempts != job.MaxRetries {
		t.Fatalf("expected %d attempts, got %d", job.MaxRetries, job.Attempts)
	}
}

func TestServiceDefaultsRoundAndValidates(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)

	f := newFixture(t, "", 1)
	job, err := service.SubmitCommit(context.Background(), f.commit)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Round != DefaultRound || job.MaxRetries != 5 {
		t.Fatalf("unexpected job: %+v", job)
	}

	if _, err := service.SubmitCommit(context.Background(), protocol.CommitMessage{}); xerrors.CodeOf(err) != CodeJobValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.SubmitReveal(context.Background(), protocol.RevealMessage{}); xerrors.CodeOf(err) != CodeJobValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	health, err := service.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.QueueLength != 1 || health.IsProcessing || health.Jobs.Pending != 1 {
		t.Fatalf("unexpected health: %+v", health)
	}
}

func TestServiceRejectsOverlongRound(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 0)

	f := newFixture(t, strings.Repeat("r", MaxRoundLength+1), 1)
	if _, err := service.SubmitCommit(context.Background(), f.commit); xerrors.CodeOf(err) != CodeJobValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	reveal := f.reveal(t, strings.Repeat("r", MaxRoundLength+1), 0)
	if _, err := service.SubmitReveal(context.Background(), reveal); xerrors.CodeOf(err) != CodeJobValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	f = newFixture(t, strings.Repeat("r", MaxRoundLength), 1)
	if _, err := service.SubmitCommit(context.Background(), f.commit); err != nil {
		t.Fatalf("round at the limit should be accepted: %v", err)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, Ticket) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServicePublishFailureMarksJobFailed(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)
	f := newFixture(t, "r", 1)

	_, err := service.SubmitCommit(context.Background(), f.commit)
	if xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	stats, _ := store.Stats(context.Background())
	if stats.Failed != 1 {
		t.Fatalf("expected failed job, got %+v", stats)
	}
}
