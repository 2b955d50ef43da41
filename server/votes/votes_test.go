package votes

import (
	"context"
	"testing"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
)

type fakeMatches map[uuid.UUID]model.Match

func (f fakeMatches) GetMatch(_ context.Context, id uuid.UUID) (model.Match, error) {
	m, ok := f[id]
	if !ok {
		return model.Match{}, errs.NotFound("match")
	}
	return m, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func votingMatch(t *testing.T, arena model.ArenaKind, at time.Time) model.Match {
	t.Helper()
	m, err := model.NewMatch(arena, []uuid.UUID{uuid.New(), uuid.New()}, at)
	if err != nil {
		t.Fatalf("new match: %v", err)
	}
	deadline := at.Add(2 * time.Hour)
	m.Status = model.StatusVoting
	m.VotingDeadline = &deadline
	return m
}

func setup(t *testing.T) (*Aggregator, model.Match, *clock) {
	t.Helper()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := votingMatch(t, model.ArenaDebate, start)
	c := &clock{t: start}
	agg := NewAggregator(fakeMatches{m.ID: m}, NewMemoryStore(), nil,
		[]model.ArenaKind{model.ArenaDebate}, Limits{PerIP: 3, Window: time.Hour}).WithClock(c.now)
	return agg, m, c
}

func TestDuplicateTokenRejected(t *testing.T) {
	agg, m, _ := setup(t)
	ctx := context.Background()

	r, err := agg.RecordVote(ctx, m.ID, "tok-1", m.Participants[0], "ip-a")
	if err != nil || !r.Accepted {
		t.Fatalf("expected first vote accepted, got %+v %v", r, err)
	}
	r, err = agg.RecordVote(ctx, m.ID, "tok-1", m.Participants[1], "ip-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Accepted || r.Reason != model.ReasonDuplicate {
		t.Fatalf("expected duplicate rejection, got %+v", r)
	}
	tally, _ := agg.Tally(ctx, m.ID)
	if tally.Total != 1 || tally.Counts[m.Participants[0]] != 1 || tally.Counts[m.Participants[1]] != 0 {
		t.Fatalf("expected tally unchanged, got %+v", tally)
	}
}

func TestRateLimitRollingWindow(t *testing.T) {
	agg, m, c := setup(t)
	ctx := context.Background()

	for i, tok := range []string{"a", "b", "c"} {
		c.t = c.t.Add(time.Minute)
		r, _ := agg.RecordVote(ctx, m.ID, tok, m.Participants[i%2], "ip-x")
		if !r.Accepted {
			t.Fatalf("vote %d: expected accepted, got %+v", i+1, r)
		}
	}
	c.t = c.t.Add(time.Minute)
	r, _ := agg.RecordVote(ctx, m.ID, "d", m.Participants[0], "ip-x")
	if r.Accepted || r.Reason != model.ReasonRateLimited {
		t.Fatalf("expected 4th vote rate limited, got %+v", r)
	}

	// first accepted vote was at minute 1; minute 62 is past its window
	c.t = c.t.Add(58 * time.Minute)
	r, _ = agg.RecordVote(ctx, m.ID, "e", m.Participants[0], "ip-x")
	if !r.Accepted {
		t.Fatalf("expected vote after window accepted, got %+v", r)
	}
}

func TestRateLimitAppliesBeforeDuplicate(t *testing.T) {
	agg, m, _ := setup(t)
	ctx := context.Background()
	for _, tok := range []string{"a", "b", "c"} {
		agg.RecordVote(ctx, m.ID, tok, m.Participants[0], "ip-y")
	}
	r, _ := agg.RecordVote(ctx, m.ID, "a", m.Participants[0], "ip-y")
	if r.Reason != model.ReasonRateLimited {
		t.Fatalf("expected rate limit to win over duplicate, got %+v", r)
	}
}

func TestVotesClosedOutsideVoting(t *testing.T) {
	start := time.Now()
	m := votingMatch(t, model.ArenaRoast, start)
	m.Status = model.StatusSettling
	agg := NewAggregator(fakeMatches{m.ID: m}, NewMemoryStore(), nil, nil, Limits{})

	r, err := agg.RecordVote(context.Background(), m.ID, "tok", m.Participants[0], "ip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Accepted || r.Reason != model.ReasonVotingClosed {
		t.Fatalf("expected closed, got %+v", r)
	}
}

func TestVotesClosedAtDeadline(t *testing.T) {
	agg, m, c := setup(t)
	ctx := context.Background()

	c.t = m.VotingDeadline.Add(-time.Nanosecond)
	if r, _ := agg.RecordVote(ctx, m.ID, "just-in", m.Participants[0], "ip-d"); !r.Accepted {
		t.Fatalf("expected vote before the deadline accepted, got %+v", r)
	}
	c.t = *m.VotingDeadline
	r, err := agg.RecordVote(ctx, m.ID, "on-time", m.Participants[0], "ip-d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Accepted || r.Reason != model.ReasonVotingClosed {
		t.Fatalf("expected closed at the deadline, got %+v", r)
	}
	tally, _ := agg.FinalTally(ctx, m.ID)
	if tally.Total != 1 {
		t.Fatalf("expected one counted vote, got %+v", tally)
	}
}

func TestMemoryStoreForgetsQuietAddresses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	match := uuid.New()
	choice := uuid.New()

	for i, ip := range []string{"ip-1", "ip-2", "ip-3"} {
		v := model.Vote{MatchID: match, VoterToken: ip, Choice: choice, IPHash: ip, CreatedAt: start.Add(time.Duration(i) * time.Minute)}
		if r, _ := s.Record(ctx, v, 3, time.Hour); !r.Accepted {
			t.Fatalf("vote %d: expected accepted, got %+v", i, r)
		}
	}
	if len(s.byIP) != 3 {
		t.Fatalf("expected 3 tracked addresses, got %d", len(s.byIP))
	}

	late := model.Vote{MatchID: match, VoterToken: "late", Choice: choice, IPHash: "ip-4", CreatedAt: start.Add(2 * time.Hour)}
	if r, _ := s.Record(ctx, late, 3, time.Hour); !r.Accepted {
		t.Fatalf("expected late vote accepted, got %+v", r)
	}
	if len(s.byIP) != 1 {
		t.Fatalf("expected only the fresh address tracked, got %d", len(s.byIP))
	}
	if tally, _ := s.Tally(ctx, match); tally.Total != 4 {
		t.Fatalf("expected pruning to leave the tally alone, got %+v", tally)
	}
}

func TestChoiceMustBeParticipant(t *testing.T) {
	agg, m, _ := setup(t)
	_, err := agg.RecordVote(context.Background(), m.ID, "tok", uuid.New(), "ip")
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHashIPStripsPort(t *testing.T) {
	key := []byte("k")
	if HashIP(key, "10.0.0.1:5555") != HashIP(key, "10.0.0.1:6666") {
		t.Fatalf("expected same hash for same host")
	}
	if HashIP(key, "10.0.0.1") == HashIP([]byte("other"), "10.0.0.1") {
		t.Fatalf("expected key to change the digest")
	}
}
