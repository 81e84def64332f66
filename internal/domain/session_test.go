package domain

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTranscriptAppendKeepsOrder(t *testing.T) {
	tr := NewTranscript()
	tr.Append(TurnRecord{Role: RoleSystem, Content: "sys"})
	tr.Append(TurnRecord{Role: RoleUser, Content: "hi"})
	tr.Append(TurnRecord{Role: RoleAssistant, Content: "hello"})

	got := tr.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	if got[0].Role != RoleSystem || got[1].Content != "hi" || got[2].Role != RoleAssistant {
		t.Fatalf("unexpected transcript: %+v", got)
	}
}

func TestTranscriptSnapshotIsCopy(t *testing.T) {
	tr := NewTranscript()
	tr.Append(TurnRecord{Role: RoleUser, Content: "a"})

	snap := tr.Snapshot()
	snap[0].Content = "mutated"

	if tr.Snapshot()[0].Content != "a" {
		t.Fatal("snapshot mutation leaked into transcript")
	}
}

func TestTranscriptSealRefusesAppend(t *testing.T) {
	tr := NewTranscript()
	tr.Append(TurnRecord{Role: RoleUser, Content: "a"})

	final := tr.Seal()
	if len(final) != 1 {
		t.Fatalf("expected 1 turn in sealed snapshot, got %d", len(final))
	}
	if tr.Append(TurnRecord{Role: RoleUser, Content: "b"}) {
		t.Fatal("expected append after seal to be refused")
	}
	if tr.Len() != 1 {
		t.Fatalf("expected transcript to stay at 1 turn, got %d", tr.Len())
	}
}

func TestTranscriptConcurrentAppend(t *testing.T) {
	tr := NewTranscript()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Append(TurnRecord{Role: RoleUser, Content: "x"})
		}()
	}
	wg.Wait()
	if tr.Len() != 50 {
		t.Fatalf("expected 50 turns, got %d", tr.Len())
	}
}

func TestPhaseContextIsMonotonic(t *testing.T) {
	now := time.Now()
	pc := NewPhaseContext(now)

	if err := pc.Advance(PhaseProblemGeneration, now); err != nil {
		t.Fatalf("advance to generation: %v", err)
	}
	if err := pc.Advance(PhaseIntro, now); !errors.Is(err, ErrPhaseRegression) {
		t.Fatalf("expected regression error, got %v", err)
	}
	if err := pc.Advance(PhaseProblemGeneration, now); !errors.Is(err, ErrPhaseRegression) {
		t.Fatalf("expected regression error on revisit, got %v", err)
	}
	if err := pc.Advance(PhaseProblemSolving, now); err != nil {
		t.Fatalf("advance to solving: %v", err)
	}
	if pc.Current != PhaseProblemSolving {
		t.Fatalf("expected problem_solving, got %s", pc.Current)
	}
}

func TestPhaseContextProblemSetOnce(t *testing.T) {
	pc := NewPhaseContext(time.Now())
	if err := pc.SetProblem("two sum"); err != nil {
		t.Fatalf("set problem: %v", err)
	}
	if err := pc.SetProblem("other"); !errors.Is(err, ErrProblemAlreadySet) {
		t.Fatalf("expected ErrProblemAlreadySet, got %v", err)
	}
	if pc.Problem != "two sum" {
		t.Fatalf("problem changed: %q", pc.Problem)
	}
}

func TestInterviewDetailsWithDefaults(t *testing.T) {
	fallback := InterviewDetails{
		AgentName:        "Technical Interviewer",
		AgentDescription: "an experienced technical interviewer",
		Difficulty:       "medium",
		ProblemType:      "coding",
		Topic:            "graphs",
		Requirements:     "none",
		TransitionAfter:  3 * time.Minute,
	}
	got := InterviewDetails{AgentName: "Ada"}.WithDefaults(fallback)
	if got.AgentName != "Ada" {
		t.Errorf("expected explicit name to win, got %q", got.AgentName)
	}
	if got.Difficulty != "medium" || got.TransitionAfter != 3*time.Minute {
		t.Errorf("expected defaults to be filled, got %+v", got)
	}
}
