package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"agent-arena/server/elimination"
	"agent-arena/server/errs"
	"agent-arena/server/model"
	"agent-arena/server/rating"
	"agent-arena/server/store/memstore"
	"agent-arena/server/votes"
	"agent-arena/server/wager"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type harness struct {
	st    *memstore.Store
	agg   *votes.Aggregator
	bets  *wager.Service
	coord *Coordinator
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{st: memstore.New(), now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	h.st.WithClock(clock)
	h.agg = votes.NewAggregator(h.st, votes.NewMemoryStore(), nil, []model.ArenaKind{model.ArenaDebate, model.ArenaRoast, model.ArenaHotTake},
		votes.Limits{PerIP: 3, Window: time.Hour}).WithClock(clock)
	h.bets = wager.NewService(h.st, decimal.RequireFromString("0.05"), decimal.NewFromInt(1), wager.DrawRefund)
	elim := elimination.NewChecker(h.st, nil, 800, 10)
	h.coord = NewCoordinator(h.st, h.agg, h.bets, elim, rating.New(32, rating.KFixed, 100), nil).WithClock(clock)
	return h
}

func (h *harness) agent(t *testing.T, name string, r, matches int) model.Agent {
	t.Helper()
	a := model.Agent{ID: uuid.New(), Name: name, Rating: r, Matches: matches, Active: true, Backend: model.BackendScripted}
	if err := h.st.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func (h *harness) match(t *testing.T, arena model.ArenaKind, status model.Status, ids ...uuid.UUID) model.Match {
	t.Helper()
	m, err := model.NewMatch(arena, ids, h.now)
	if err != nil {
		t.Fatalf("new match: %v", err)
	}
	m.Status = status
	if err := h.st.CreateMatch(context.Background(), m, model.NewPool(m.ID, h.now)); err != nil {
		t.Fatalf("create match: %v", err)
	}
	return m
}

func TestSettleChessWin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaChess, model.StatusPaired, a.ID, b.ID)

	w := model.Wallet{ID: uuid.New(), Balance: decimal.NewFromInt(100)}
	h.st.CreateWallet(ctx, w)
	if _, err := h.bets.PlaceBet(ctx, m.ID, w.ID, a.ID, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("bet: %v", err)
	}
	h.st.TransitionMatch(ctx, m.ID, model.StatusPaired, model.StatusLive)

	res, err := h.coord.Settle(ctx, m.ID, model.Win(a.ID, "checkmate"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.WinnerID == nil || *res.WinnerID != a.ID || res.Draw {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, s := range res.Stages {
		if !s.OK {
			t.Fatalf("stage %s failed: %s", s.Name, s.Error)
		}
	}
	ga, _ := h.st.GetAgent(ctx, a.ID)
	gb, _ := h.st.GetAgent(ctx, b.ID)
	if ga.Rating != 1216 || gb.Rating != 1184 || ga.Wins != 1 || gb.Losses != 1 {
		t.Fatalf("expected 1216/1184 with counters, got %+v / %+v", ga, gb)
	}
	got, _ := h.st.GetMatch(ctx, m.ID)
	if got.Status != model.StatusSettled || got.Outcome == nil || got.SettledAt == nil {
		t.Fatalf("expected settled match with outcome, got %+v", got)
	}
	// lone backer of the winner gets the net pot back
	wallet, _ := h.st.GetWallet(ctx, w.ID)
	if !wallet.Balance.Equal(decimal.RequireFromString("95")) {
		t.Fatalf("expected 95 after rake, got %s", wallet.Balance)
	}
}

func TestSettleRejectsWrongSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaChess, model.StatusPaired, a.ID, b.ID)

	_, err := h.coord.Settle(ctx, m.ID, model.Win(a.ID, "checkmate"))
	if errs.KindOf(err) != errs.KindState {
		t.Fatalf("expected state error from paired, got %v", err)
	}
	if _, err := h.coord.Settle(ctx, m.ID, nil); errs.KindOf(err) != errs.KindState {
		t.Fatalf("expected state error for chess without outcome, got %v", err)
	}
	got, _ := h.st.GetMatch(ctx, m.ID)
	ga, _ := h.st.GetAgent(ctx, a.ID)
	if got.Status != model.StatusPaired || ga.Rating != 1200 {
		t.Fatalf("rejected settle must not write, got %s / %d", got.Status, ga.Rating)
	}
}

func TestConcurrentSettleOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaChess, model.StatusLive, a.ID, b.ID)

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	errors := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errors[i] = h.coord.Settle(ctx, m.ID, model.Win(b.ID, "forfeit"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		if errors[i] != nil {
			t.Fatalf("settle %d: %v", i, errors[i])
		}
		if !results[i].AlreadySettling {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one settlement, got %d", winners)
	}
	gb, _ := h.st.GetAgent(ctx, b.ID)
	if gb.Rating != 1216 || gb.Matches != 1 {
		t.Fatalf("expected a single rating update, got %+v", gb)
	}
}

func TestSettleFromVotes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	c := h.agent(t, "gamma", 1200, 0)
	m := h.match(t, model.ArenaRoast, model.StatusLive, a.ID, b.ID, c.ID)
	deadline := h.now.Add(10 * time.Minute)
	h.st.OpenVoting(ctx, m.ID, model.Payload{Prompt: "roast the moon"}, deadline)

	h.agg.RecordVote(ctx, m.ID, "v1", c.ID, "ip1")
	h.agg.RecordVote(ctx, m.ID, "v2", c.ID, "ip2")
	h.agg.RecordVote(ctx, m.ID, "v3", a.ID, "ip3")

	if _, err := h.coord.Settle(ctx, m.ID, nil); errs.KindOf(err) != errs.KindState {
		t.Fatalf("expected voting-open state error, got %v", err)
	}

	h.now = deadline.Add(time.Second)
	res, err := h.coord.Settle(ctx, m.ID, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.WinnerID == nil || *res.WinnerID != c.ID || res.Reason != "votes" {
		t.Fatalf("expected gamma by votes, got %+v", res)
	}
	gc, _ := h.st.GetAgent(ctx, c.ID)
	ga, _ := h.st.GetAgent(ctx, a.ID)
	if gc.Rating != 1232 || ga.Rating != 1184 {
		t.Fatalf("expected pairwise 1232/1184, got %d/%d", gc.Rating, ga.Rating)
	}

	r, _ := h.agg.RecordVote(ctx, m.ID, "late", a.ID, "ip9")
	if r.Accepted {
		t.Fatalf("expected votes closed after settlement")
	}
}

func TestTiedVoteIsDraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaDebate, model.StatusLive, a.ID, b.ID)
	h.st.OpenVoting(ctx, m.ID, model.Payload{}, h.now)
	h.agg.WithClock(func() time.Time { return h.now.Add(-time.Second) })
	h.agg.RecordVote(ctx, m.ID, "v1", a.ID, "ip1")
	h.agg.RecordVote(ctx, m.ID, "v2", b.ID, "ip2")

	res, err := h.coord.Settle(ctx, m.ID, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Draw || res.Reason != "tied vote" {
		t.Fatalf("expected tied draw, got %+v", res)
	}
}

func TestHalfMoveCapDrawLeavesEqualRatings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaChess, model.StatusLive, a.ID, b.ID)

	res, err := h.coord.Settle(ctx, m.ID, model.Drawn("max half-moves"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(res.Ratings) != 2 || res.Ratings[0].Score != 0.5 || res.Ratings[1].Score != 0.5 {
		t.Fatalf("expected 0.5/0.5 scores, got %+v", res.Ratings)
	}
	ga, _ := h.st.GetAgent(ctx, a.ID)
	if ga.Rating != 1200 || ga.Draws != 1 {
		t.Fatalf("expected unchanged rating with a draw, got %+v", ga)
	}
}

func TestSettleEliminatesCollapsedAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	weak := h.agent(t, "weak", 766, 10)
	strong := h.agent(t, "strong", 766, 3)
	m := h.match(t, model.ArenaChess, model.StatusLive, weak.ID, strong.ID)

	res, err := h.coord.Settle(ctx, m.ID, model.Win(strong.ID, "checkmate"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(res.Eliminated) != 1 || res.Eliminated[0] != weak.ID {
		t.Fatalf("expected weak eliminated, got %+v", res.Eliminated)
	}
	gw, _ := h.st.GetAgent(ctx, weak.ID)
	if gw.Active || gw.Rating != 750 || gw.Matches != 11 {
		t.Fatalf("expected inactive at 750 after 11 matches, got %+v", gw)
	}
	if h.st.MemorialCount() != 1 {
		t.Fatalf("expected one memorial")
	}
}

// interleaved settles another match the first time ratings are applied for
// the wrapped match, before the wrapped update reaches the store.
type interleaved struct {
	*memstore.Store
	target uuid.UUID
	before func()
}

func (s *interleaved) ApplyRatings(ctx context.Context, matchID uuid.UUID, ids []uuid.UUID, plan func([]model.Agent) []model.RatingUpdate) ([]model.RatingUpdate, error) {
	if matchID == s.target && s.before != nil {
		f := s.before
		s.before = nil
		f()
	}
	return s.Store.ApplyRatings(ctx, matchID, ids, plan)
}

func TestOverlappingSettlementsKeepBothRatingChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	g := h.agent(t, "gamma", 1200, 0)
	m1 := h.match(t, model.ArenaChess, model.StatusPaired, a.ID, b.ID)
	m2 := h.match(t, model.ArenaChess, model.StatusPaired, a.ID, g.ID)
	h.st.TransitionMatch(ctx, m1.ID, model.StatusPaired, model.StatusLive)
	h.st.TransitionMatch(ctx, m2.ID, model.StatusPaired, model.StatusLive)

	wrapped := &interleaved{Store: h.st, target: m1.ID}
	coord := NewCoordinator(wrapped, h.agg, h.bets, elimination.NewChecker(h.st, nil, 800, 10),
		rating.New(32, rating.KFixed, 100), nil).WithClock(func() time.Time { return h.now })
	wrapped.before = func() {
		if _, err := coord.Settle(ctx, m2.ID, model.Win(a.ID, "checkmate")); err != nil {
			t.Errorf("settle m2: %v", err)
		}
	}

	if _, err := coord.Settle(ctx, m1.ID, model.Win(a.ID, "checkmate")); err != nil {
		t.Fatalf("settle m1: %v", err)
	}
	ga, _ := h.st.GetAgent(ctx, a.ID)
	// 1200 -> 1216 against gamma, then +15 against beta at 1200
	if ga.Rating != 1231 || ga.Matches != 2 || ga.Wins != 2 {
		t.Fatalf("expected 1231 after two wins, got rating=%d matches=%d wins=%d", ga.Rating, ga.Matches, ga.Wins)
	}
	gb, _ := h.st.GetAgent(ctx, b.ID)
	gg, _ := h.st.GetAgent(ctx, g.ID)
	if gb.Rating != 1185 || gg.Rating != 1184 {
		t.Fatalf("expected beta 1185 and gamma 1184, got %d / %d", gb.Rating, gg.Rating)
	}
}

type brokenTally struct{}

func (brokenTally) FinalTally(context.Context, uuid.UUID) (model.Tally, error) {
	return model.Tally{}, fmt.Errorf("vote store unreachable")
}

func TestTallyFailureReleasesMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaRoast, model.StatusLive, a.ID, b.ID)
	h.st.OpenVoting(ctx, m.ID, model.Payload{}, h.now)

	broken := NewCoordinator(h.st, brokenTally{}, h.bets, elimination.NewChecker(h.st, nil, 800, 10),
		rating.New(32, rating.KFixed, 100), nil).WithClock(func() time.Time { return h.now })
	if _, err := broken.Settle(ctx, m.ID, nil); err == nil {
		t.Fatalf("expected tally error")
	}
	got, _ := h.st.GetMatch(ctx, m.ID)
	if got.Status != model.StatusVoting {
		t.Fatalf("expected match back in voting, got %s", got.Status)
	}

	res, err := h.coord.Settle(ctx, m.ID, nil)
	if err != nil || res.AlreadySettling {
		t.Fatalf("expected a clean retry, got %+v %v", res, err)
	}
	got, _ = h.st.GetMatch(ctx, m.ID)
	if got.Status != model.StatusSettled {
		t.Fatalf("expected settled, got %s", got.Status)
	}
}

// finishFails rejects FinishMatch while fail is set.
type finishFails struct {
	*memstore.Store
	fail bool
}

func (s *finishFails) FinishMatch(ctx context.Context, id uuid.UUID, o model.Outcome) (bool, error) {
	if s.fail {
		return false, fmt.Errorf("connection reset")
	}
	return s.Store.FinishMatch(ctx, id, o)
}

func TestResumeFinishesStuckSettlementOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaChess, model.StatusPaired, a.ID, b.ID)
	w := model.Wallet{ID: uuid.New(), Balance: decimal.NewFromInt(100)}
	h.st.CreateWallet(ctx, w)
	h.bets.PlaceBet(ctx, m.ID, w.ID, a.ID, decimal.NewFromInt(100))
	h.st.TransitionMatch(ctx, m.ID, model.StatusPaired, model.StatusLive)

	flaky := &finishFails{Store: h.st, fail: true}
	coord := NewCoordinator(flaky, h.agg, h.bets, elimination.NewChecker(h.st, nil, 800, 10),
		rating.New(32, rating.KFixed, 100), nil).WithClock(func() time.Time { return h.now })
	if _, err := coord.Settle(ctx, m.ID, model.Win(a.ID, "checkmate")); err == nil {
		t.Fatalf("expected finish error")
	}
	got, _ := h.st.GetMatch(ctx, m.ID)
	if got.Status != model.StatusSettling || got.Outcome == nil {
		t.Fatalf("expected settling with a saved outcome, got %+v", got)
	}

	// not stale yet
	if rep, _ := coord.Resume(ctx, h.now); rep.Finished != 0 {
		t.Fatalf("expected a fresh settlement left alone, got %+v", rep)
	}

	flaky.fail = false
	h.now = h.now.Add(10 * time.Minute)
	rep, err := coord.Resume(ctx, h.now.Add(-5*time.Minute))
	if err != nil || rep.Finished != 1 {
		t.Fatalf("expected one resumed match, got %+v %v", rep, err)
	}
	got, _ = h.st.GetMatch(ctx, m.ID)
	if got.Status != model.StatusSettled {
		t.Fatalf("expected settled after resume, got %s", got.Status)
	}
	ga, _ := h.st.GetAgent(ctx, a.ID)
	if ga.Rating != 1216 || ga.Matches != 1 {
		t.Fatalf("expected ratings applied once, got rating=%d matches=%d", ga.Rating, ga.Matches)
	}
	wallet, _ := h.st.GetWallet(ctx, w.ID)
	if !wallet.Balance.Equal(decimal.RequireFromString("95")) {
		t.Fatalf("expected pool paid once, got %s", wallet.Balance)
	}
}

func TestResumeReleasesClaimWithoutOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaDebate, model.StatusLive, a.ID, b.ID)
	h.st.OpenVoting(ctx, m.ID, model.Payload{}, h.now)
	h.st.TransitionMatch(ctx, m.ID, model.StatusVoting, model.StatusSettling)

	h.now = h.now.Add(time.Hour)
	rep, err := h.coord.Resume(ctx, h.now.Add(-5*time.Minute))
	if err != nil || rep.Released != 1 {
		t.Fatalf("expected one release, got %+v %v", rep, err)
	}
	got, _ := h.st.GetMatch(ctx, m.ID)
	if got.Status != model.StatusVoting {
		t.Fatalf("expected voting again, got %s", got.Status)
	}
}

// heldVotes blocks Record after the aggregator's checks until release closes.
type heldVotes struct {
	votes.Store
	entered chan struct{}
	release chan struct{}
}

func (s *heldVotes) Record(ctx context.Context, v model.Vote, limit int, window time.Duration) (model.VoteReceipt, error) {
	close(s.entered)
	<-s.release
	return s.Store.Record(ctx, v, limit, window)
}

func TestVoteInFlightAtSettleIsCounted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.agent(t, "alpha", 1200, 0)
	b := h.agent(t, "beta", 1200, 0)
	m := h.match(t, model.ArenaDebate, model.StatusLive, a.ID, b.ID)
	deadline := h.now.Add(10 * time.Minute)
	h.st.OpenVoting(ctx, m.ID, model.Payload{}, deadline)

	held := &heldVotes{Store: votes.NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	clock := func() time.Time { return h.now }
	agg := votes.NewAggregator(h.st, held, nil, []model.ArenaKind{model.ArenaDebate}, votes.Limits{PerIP: 3, Window: time.Hour}).WithClock(clock)
	coord := NewCoordinator(h.st, agg, h.bets, elimination.NewChecker(h.st, nil, 800, 10),
		rating.New(32, rating.KFixed, 100), nil).WithClock(clock)

	receipt := make(chan model.VoteReceipt, 1)
	go func() {
		r, _ := agg.RecordVote(ctx, m.ID, "last-second", b.ID, "ip1")
		receipt <- r
	}()
	<-held.entered

	h.now = deadline
	settled := make(chan Result, 1)
	go func() {
		res, err := coord.Settle(ctx, m.ID, nil)
		if err != nil {
			t.Errorf("settle: %v", err)
		}
		settled <- res
	}()
	for i := 0; ; i++ {
		got, _ := h.st.GetMatch(ctx, m.ID)
		if got.Status == model.StatusSettling {
			break
		}
		if i > 2000 {
			t.Fatalf("settle never claimed the match")
		}
		time.Sleep(time.Millisecond)
	}
	close(held.release)

	if r := <-receipt; !r.Accepted {
		t.Fatalf("expected the in-flight vote accepted, got %+v", r)
	}
	res := <-settled
	if res.WinnerID == nil || *res.WinnerID != b.ID {
		t.Fatalf("expected the in-flight vote to decide the match, got %+v", res)
	}

	if r, _ := agg.RecordVote(ctx, m.ID, "too-late", a.ID, "ip2"); r.Accepted || r.Reason != model.ReasonVotingClosed {
		t.Fatalf("expected voting closed after settlement, got %+v", r)
	}
}
