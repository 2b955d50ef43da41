package judge

import (
	"strings"
	"testing"
	"time"

	"agent-arena/server/model"

	"github.com/google/uuid"
)

func TestClipsPickMoments(t *testing.T) {
	moves := []model.MoveRecord{
		{Ply: 1, SAN: "f3", Attempts: 1},
		{Ply: 2, SAN: "e5", Attempts: 3},
		{Ply: 3, SAN: "g4", Attempts: 1},
		{Ply: 4, SAN: "Qh4#", Attempts: 1, Check: true},
	}
	clips := Clips(moves, true)
	if len(clips) != 2 {
		t.Fatalf("expected 2 clips, got %+v", clips)
	}
	if clips[0].Kind != ClipRetry || clips[1].Kind != ClipMate {
		t.Fatalf("unexpected clip kinds %+v", clips)
	}
}

func TestClipsCapped(t *testing.T) {
	var moves []model.MoveRecord
	for i := 1; i <= 20; i++ {
		moves = append(moves, model.MoveRecord{Ply: i, SAN: "Qe2+", Check: true})
	}
	moves[10].Capture = "q"
	clips := Clips(moves, false)
	if len(clips) != maxClips {
		t.Fatalf("expected %d clips, got %d", maxClips, len(clips))
	}
	found := false
	for i, c := range clips {
		if i > 0 && clips[i-1].Ply > c.Ply {
			t.Fatalf("clips out of ply order")
		}
		found = found || c.Kind == ClipQueenTake
	}
	if !found {
		t.Fatalf("expected queen capture to survive the cap")
	}
}

func TestSummarize(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	m, _ := model.NewMatch(model.ArenaDebate, []uuid.UUID{a, b}, time.Now())
	m.Payload.Rounds = make([]model.Round, 3)
	s := Summarize(m, *model.Win(b, "votes"), map[uuid.UUID]string{a: "Ada", b: "Bo"})
	if !strings.Contains(s, "Ada vs Bo in a debate over 3 round(s)") || !strings.Contains(s, "Bo wins by votes") {
		t.Fatalf("unexpected summary %q", s)
	}
}
