package profiler

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/memory"
	"Fairfy-Chain/internal/merkle"
)

// sequenceSource 依次返回预设快照，用尽后重复最后一个。
type sequenceSource struct {
	pid    int
	frames [][]byte
	calls  int
	err    error
}

func (s *sequenceSource) PID() int { return s.pid }

func (s *sequenceSource) Snapshot(context.Context, memory.RegionFilter) ([]byte, memory.SnapshotReport, error) {
	if s.err != nil {
		return nil, memory.SnapshotReport{}, s.err
	}
	idx := s.calls
	if idx >= len(s.frames) {
		idx = len(s.frames) - 1
	}
	s.calls++
	return s.frames[idx], memory.SnapshotReport{PID: s.pid, Bytes: len(s.frames[idx])}, nil
}

func frame(chunks ...byte) []byte {
	out := make([]byte, 0, len(chunks)*4)
	for _, c := range chunks {
		out = append(out, c, c, c, c)
	}
	return out
}

func TestProfileMarksChangedSlotsDynamic(t *testing.T) {
	src := &sequenceSource{pid: 42, frames: [][]byte{
		frame(1, 2, 3, 4),
		frame(1, 9, 3, 4),
		frame(1, 2, 3, 7),
	}}
	res, err := Profile(context.Background(), src, Config{Samples: 2, ChunkSize: 4})
	if err != nil {
		t.Fatalf("Profile returned error: %v", err)
	}
	if src.calls != 3 {
		t.Fatalf("expected 3 snapshots, got %d", src.calls)
	}
	want := []bool{true, false, true, false}
	for i, s := range want {
		if res.Static[i] != s {
			t.Fatalf("slot %d static = %v, want %v", i, res.Static[i], s)
		}
	}
	if res.StaticCount() != 2 || res.Samples != 2 || res.PID != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}

	reduced := res.Reduce()
	if !reduced[1].IsZero() || !reduced[3].IsZero() {
		t.Fatalf("dynamic slots should be zeroed")
	}
	if reduced[0] != merkle.HashChunk([]byte{1, 1, 1, 1}) {
		t.Fatalf("static slot should keep its initial hash")
	}
}

func TestObserveTreatsMissingSlotsAsDynamic(t *testing.T) {
	initial := []merkle.Hash{merkle.HashChunk([]byte("a")), merkle.HashChunk([]byte("b"))}
	static := []bool{true, true}
	Observe(initial, static, initial[:1])
	if !static[0] || static[1] {
		t.Fatalf("unexpected static flags: %v", static)
	}
	// 已变为动态的槽位不会恢复。
	Observe(initial, static, initial)
	if static[1] {
		t.Fatalf("dynamic slot must stay dynamic")
	}
}

func TestProfilePropagatesSnapshotError(t *testing.T) {
	src := &sequenceSource{pid: 1, err: memory.ErrProcessNotFound}
	_, err := Profile(context.Background(), src, Config{Samples: 1, ChunkSize: 4})
	if !stdErrors.Is(err, memory.ErrProcessNotFound) {
		t.Fatalf("expected process not found, got %v", err)
	}
}

func TestProfileRejectsInvalidChunkSize(t *testing.T) {
	src := &sequenceSource{pid: 1, frames: [][]byte{frame(1)}}
	_, err := Profile(context.Background(), src, Config{ChunkSize: 0})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestProfileHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &sequenceSource{pid: 1, frames: [][]byte{frame(1, 2)}}
	_, err := Profile(ctx, src, Config{Samples: 3, Interval: 1, ChunkSize: 4})
	if !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
