package protocol

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "Fairfy-Chain/internal/errors"
	"Fairfy-Chain/internal/memory"
)

type staticSource struct {
	pid  int
	data []byte
	err  error
}

func (s *staticSource) PID() int { return s.pid }

func (s *staticSource) Snapshot(context.Context, memory.RegionFilter) ([]byte, memory.SnapshotReport, error) {
	if s.err != nil {
		return nil, memory.SnapshotReport{}, s.err
	}
	return s.data, memory.SnapshotReport{PID: s.pid, Bytes: len(s.data)}, nil
}

// verifyingSender 在进程内扮演 verifier。
type verifyingSender struct {
	commitErr  error
	revealErr  error
	commitment Commitment
	verdict    error
	commits    int
	reveals    int
}

func (s *verifyingSender) SendCommit(_ context.Context, msg CommitMessage) (Receipt, error) {
	s.commits++
	if s.commitErr != nil {
		return Receipt{}, s.commitErr
	}
	c, err := VerifyCommit(msg)
	if err != nil {
		return Receipt{}, err
	}
	s.commitment = c
	return Receipt{JobID: "commit-job", Status: "pending"}, nil
}

func (s *verifyingSender) SendReveal(_ context.Context, msg RevealMessage) (Receipt, error) {
	s.reveals++
	if s.revealErr != nil {
		return Receipt{}, s.revealErr
	}
	s.verdict = VerifyReveal(msg, s.commitment, VerifyOptions{})
	return Receipt{JobID: "reveal-job", Status: "pending"}, nil
}

func (s *verifyingSender) AwaitVerdict(context.Context, string) (Verdict, error) {
	if s.verdict != nil {
		return Verdict{Accepted: false, Reason: RejectionReason(s.verdict)}, nil
	}
	return Verdict{Accepted: true, BaselineDiffs: -1}, nil
}

func TestProverRoundAcknowledged(t *testing.T) {
	source := &staticSource{pid: 42, data: image4096()}
	sender := &verifyingSender{}
	prover := NewProver(source, sender, WithChunkSize(2048), WithVerdictWaiter(sender))

	round, err := prover.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if round.State != StateAcknowledged {
		t.Fatalf("unexpected state: %s", round.State)
	}
	if round.ContentLeaves != 2 || round.LeafCount != 2 || round.PID != 42 {
		t.Fatalf("unexpected round: %+v", round)
	}
	if round.Verdict == nil || !round.Verdict.Accepted {
		t.Fatalf("expected accepted verdict")
	}
	if round.CommitJob != "commit-job" || round.RevealJob != "reveal-job" {
		t.Fatalf("job ids not recorded: %+v", round)
	}
}

func TestProverRandomSelectorStaysInContent(t *testing.T) {
	data := make([]byte, 5*128+7)
	source := &staticSource{pid: 1, data: data}
	for i := 0; i < 50; i++ {
		sender := &verifyingSender{}
		round, err := NewProver(source, sender, WithChunkSize(128), WithLeafSelector(RandomLeaf())).Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if round.RevealIndex < 0 || round.RevealIndex >= 5 {
			t.Fatalf("reveal index %d outside content leaves", round.RevealIndex)
		}
	}
}

func TestProverAbortsBeforeNetwork(t *testing.T) {
	cases := map[string]*staticSource{
		"acquisition": {pid: 1, err: memory.ErrProcessNotFound},
		"structural":  {pid: 1, data: make([]byte, 100)},
	}
	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			sender := &verifyingSender{}
			round, err := NewProver(source, sender, WithChunkSize(2048)).Run(context.Background())
			if err == nil {
				t.Fatalf("expected error")
			}
			if round.State != StateFailed {
				t.Fatalf("unexpected state: %s", round.State)
			}
			if sender.commits != 0 || sender.reveals != 0 {
				t.Fatalf("network must not be touched")
			}
		})
	}
}

func TestProverValidatesRevealBeforeCommit(t *testing.T) {
	cases := map[string][]ProverOption{
		"leaf past content": {WithLeafSelector(FixedLeaf(2))},
		"negative leaf":     {WithLeafSelector(FixedLeaf(-1))},
		"offset past chunk": {WithRevealOffsets(0, 2048)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			sender := &verifyingSender{}
			opts = append([]ProverOption{WithChunkSize(2048)}, opts...)
			round, err := NewProver(&staticSource{data: image4096()}, sender, opts...).Run(context.Background())
			if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			if round.State != StateFailed {
				t.Fatalf("unexpected state: %s", round.State)
			}
			if sender.commits != 0 || sender.reveals != 0 {
				t.Fatalf("commit sent without a valid reveal")
			}
		})
	}
}

func TestProverTransportFailure(t *testing.T) {
	sender := &verifyingSender{commitErr: xerrors.New(xerrors.CodeTransportFailure, "connection refused")}
	round, err := NewProver(&staticSource{data: image4096()}, sender).Run(context.Background())
	if xerrors.ClassOf(err) != xerrors.ClassTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
	if round.State != StateFailed {
		t.Fatalf("unexpected state: %s", round.State)
	}
}

func TestProverRejectedByServer(t *testing.T) {
	sender := &verifyingSender{revealErr: xerrors.New(xerrors.CodeRevealRejected, "bad request")}
	round, err := NewProver(&staticSource{data: image4096()}, sender).Run(context.Background())
	if !stdErrors.Is(err, ErrRevealRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if round.State != StateRejected {
		t.Fatalf("unexpected state: %s", round.State)
	}
}

func TestProverRejectedVerdict(t *testing.T) {
	sender := &verifyingSender{}
	// waiter 固定返回拒绝判定。
	prover := NewProver(&staticSource{data: image4096()}, sender, WithVerdictWaiter(rejectingWaiter{}))
	round, err := prover.Run(context.Background())
	if !stdErrors.Is(err, ErrRevealRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if round.State != StateRejected || round.Verdict == nil || round.Verdict.Reason != ReasonValueMismatch {
		t.Fatalf("unexpected round: %+v", round)
	}
}

type rejectingWaiter struct{}

func (rejectingWaiter) AwaitVerdict(context.Context, string) (Verdict, error) {
	return Verdict{Accepted: false, Reason: ReasonValueMismatch}, nil
}
