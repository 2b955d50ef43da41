// Package settlement reconciles rating, wagering and elimination when a
// match concludes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/feed"
	"agent-arena/server/model"
	"agent-arena/server/rating"

	"github.com/google/uuid"
)

// Store is the match and agent persistence the coordinator needs.
// TransitionMatch and FinishMatch are conditional on the current status.
type Store interface {
	GetMatch(ctx context.Context, id uuid.UUID) (model.Match, error)
	TransitionMatch(ctx context.Context, id uuid.UUID, from, to model.Status) (bool, error)
	// ApplyRatings must call plan with the participants' locked, current
	// rows and commit its result in the same step.
	ApplyRatings(ctx context.Context, matchID uuid.UUID, ids []uuid.UUID, plan func([]model.Agent) []model.RatingUpdate) ([]model.RatingUpdate, error)
	FinishMatch(ctx context.Context, id uuid.UUID, o model.Outcome) (bool, error)
	// SaveOutcome stores the decided outcome on a settling match.
	SaveOutcome(ctx context.Context, id uuid.UUID, o model.Outcome) (bool, error)
	ListStaleSettling(ctx context.Context, before time.Time) ([]model.Match, error)
}

// Tallier returns the closing tally of a match that has left voting.
type Tallier interface {
	FinalTally(ctx context.Context, matchID uuid.UUID) (model.Tally, error)
}

type Pools interface {
	SettlePool(ctx context.Context, matchID uuid.UUID, winning *uuid.UUID) (model.PoolSettlement, error)
}

type Eliminator interface {
	Check(ctx context.Context, agentID, matchID uuid.UUID) (bool, error)
}

// Stage names, in execution order.
const (
	StageRating      = "rating"
	StageWager       = "wager"
	StageElimination = "elimination"
)

type StageResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type Result struct {
	MatchID         uuid.UUID             `json:"match_id"`
	WinnerID        *uuid.UUID            `json:"winner_id,omitempty"`
	Draw            bool                  `json:"draw"`
	Reason          string                `json:"reason,omitempty"`
	AlreadySettling bool                  `json:"already_settling,omitempty"`
	Ratings         []model.RatingUpdate  `json:"ratings,omitempty"`
	Pool            *model.PoolSettlement `json:"pool,omitempty"`
	Eliminated      []uuid.UUID           `json:"eliminated,omitempty"`
	Stages          []StageResult         `json:"stages,omitempty"`
}

type Coordinator struct {
	store  Store
	votes  Tallier
	pools  Pools
	elim   Eliminator
	rating rating.Calculator
	feed   feed.Publisher
	now    func() time.Time
}

func NewCoordinator(store Store, votes Tallier, pools Pools, elim Eliminator, calc rating.Calculator, pub feed.Publisher) *Coordinator {
	if pub == nil {
		pub = feed.Discard{}
	}
	return &Coordinator{store: store, votes: votes, pools: pools, elim: elim, rating: calc, feed: pub, now: time.Now}
}

// WithClock replaces the wall clock. Used by tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Settle concludes a match. outcome is nil for vote-decided arenas.
// Concurrent callers race on the status CAS; the loser gets
// AlreadySettling and no error.
func (c *Coordinator) Settle(ctx context.Context, matchID uuid.UUID, outcome *model.Outcome) (Result, error) {
	res := Result{MatchID: matchID}

	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return res, err
	}
	if m.Status == model.StatusSettling || m.Status == model.StatusSettled {
		res.AlreadySettling = true
		return res, nil
	}
	source, err := model.SettleSource(m.Arena, outcome != nil)
	if err != nil {
		return res, err
	}
	if m.Status != source {
		return res, errs.State(errs.CodeInvalidTransition, fmt.Sprintf("cannot settle %s match from %s", m.Arena, m.Status))
	}
	if source == model.StatusVoting && m.VotingDeadline != nil && c.now().Before(*m.VotingDeadline) {
		return res, errs.State(errs.CodeVotingOpen, "voting is still open")
	}
	if outcome != nil && outcome.WinnerID != nil && !m.HasParticipant(*outcome.WinnerID) {
		return res, errs.Validation(errs.CodeBadParticipants, "winner is not a participant")
	}

	ok, err := c.store.TransitionMatch(ctx, m.ID, source, model.StatusSettling)
	if err != nil {
		return res, fmt.Errorf("claim match: %w", err)
	}
	if !ok {
		res.AlreadySettling = true
		return res, nil
	}

	if outcome == nil {
		o, err := c.outcomeFromVotes(ctx, m.ID)
		if err != nil {
			c.release(ctx, m.ID, source)
			return res, fmt.Errorf("tally votes: %w", err)
		}
		outcome = o
	}
	// kept on the row so Resume can finish the match after a failure
	if _, err := c.store.SaveOutcome(ctx, m.ID, *outcome); err != nil {
		c.release(ctx, m.ID, source)
		return res, fmt.Errorf("save outcome: %w", err)
	}
	return c.conclude(ctx, m, *outcome, res)
}

// conclude runs the stages and marks the match settled. Every stage is safe
// to run again for the same match: ratings and pools are applied once and
// elimination creates one memorial.
func (c *Coordinator) conclude(ctx context.Context, m model.Match, o model.Outcome, res Result) (Result, error) {
	res.WinnerID = o.WinnerID
	res.Draw = o.WinnerID == nil
	res.Reason = o.Reason

	applied, err := c.applyRatings(ctx, m, o)
	res.Stages = append(res.Stages, stage(StageRating, err))
	res.Ratings = applied

	pool, err := c.pools.SettlePool(ctx, m.ID, o.WinnerID)
	switch {
	case err == nil:
		res.Pool = &pool
		if !pool.TotalPot.IsZero() {
			c.feed.Publish(ctx, model.FeedEvent{
				Type:      model.EventPoolSettled,
				ActorID:   m.ID,
				Headline:  fmt.Sprintf("pool of %s settled, rake %s", pool.TotalPot.StringFixed(2), pool.Rake.StringFixed(2)),
				CreatedAt: c.now(),
			})
		}
	case errors.Is(err, errs.ErrNotFound):
		err = nil
	}
	res.Stages = append(res.Stages, stage(StageWager, err))

	var elimErr error
	for _, id := range m.Participants {
		done, err := c.elim.Check(ctx, id, m.ID)
		if err != nil {
			elimErr = errors.Join(elimErr, err)
			continue
		}
		if done {
			res.Eliminated = append(res.Eliminated, id)
		}
	}
	res.Stages = append(res.Stages, stage(StageElimination, elimErr))

	for _, s := range res.Stages {
		if !s.OK {
			log.Printf("[settle] match %s stage %s failed: %s", m.ID, s.Name, s.Error)
		}
	}

	if _, err := c.store.FinishMatch(ctx, m.ID, o); err != nil {
		return res, fmt.Errorf("finish match: %w", err)
	}
	c.feed.Publish(ctx, model.FeedEvent{
		Type:      model.EventMatchSettled,
		ActorID:   m.ID,
		TargetID:  o.WinnerID,
		Headline:  headline(m, o),
		Metadata:  map[string]any{"arena": m.Arena, "draw": res.Draw, "reason": o.Reason},
		CreatedAt: c.now(),
	})
	return res, nil
}

// release hands a claimed match back before anything was written for it.
func (c *Coordinator) release(ctx context.Context, id uuid.UUID, source model.Status) {
	if _, err := c.store.TransitionMatch(ctx, id, model.StatusSettling, source); err != nil {
		log.Printf("[settle] match %s: release to %s: %v", id, source, err)
	}
}

type ResumeReport struct {
	Finished int `json:"finished"`
	Released int `json:"released"`
}

// Resume picks up matches that have sat in settling since before. A match
// with a saved outcome is carried through conclude again; one without goes
// back to the status it was claimed from.
func (c *Coordinator) Resume(ctx context.Context, before time.Time) (ResumeReport, error) {
	var rep ResumeReport
	stale, err := c.store.ListStaleSettling(ctx, before)
	if err != nil {
		return rep, fmt.Errorf("list stale settling: %w", err)
	}
	var all error
	for _, m := range stale {
		if m.Outcome == nil {
			source := model.StatusVoting
			if m.VotingDeadline == nil {
				source = model.StatusLive
			}
			ok, err := c.store.TransitionMatch(ctx, m.ID, model.StatusSettling, source)
			if err != nil {
				all = errors.Join(all, fmt.Errorf("release %s: %w", m.ID, err))
			} else if ok {
				rep.Released++
			}
			continue
		}
		log.Printf("[settle] resuming match %s left in settling since %s", m.ID, m.UpdatedAt.Format(time.RFC3339))
		if _, err := c.conclude(ctx, m, *m.Outcome, Result{MatchID: m.ID}); err != nil {
			all = errors.Join(all, fmt.Errorf("resume %s: %w", m.ID, err))
			continue
		}
		rep.Finished++
	}
	return rep, all
}

func (c *Coordinator) outcomeFromVotes(ctx context.Context, matchID uuid.UUID) (*model.Outcome, error) {
	t, err := c.votes.FinalTally(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if t.Total == 0 {
		return model.Drawn("no votes"), nil
	}
	if w := t.Leader(); w != nil {
		return model.Win(*w, "votes"), nil
	}
	return model.Drawn("tied vote"), nil
}

// applyRatings computes every update from the ratings held under the store's
// lock and commits them together. Eliminated agents are left out.
func (c *Coordinator) applyRatings(ctx context.Context, m model.Match, o model.Outcome) ([]model.RatingUpdate, error) {
	return c.store.ApplyRatings(ctx, m.ID, m.Participants, func(active []model.Agent) []model.RatingUpdate {
		if len(active) < 2 {
			return nil
		}
		entrants := make([]rating.Entrant, len(active))
		for i, a := range active {
			entrants[i] = rating.Entrant{ID: a.ID, Rating: a.Rating, Matches: a.Matches}
		}
		return c.rating.Batch(entrants, o)
	})
}

func stage(name string, err error) StageResult {
	if err != nil {
		return StageResult{Name: name, Error: err.Error()}
	}
	return StageResult{Name: name, OK: true}
}

func headline(m model.Match, o model.Outcome) string {
	if o.WinnerID == nil {
		return fmt.Sprintf("%s match drawn (%s)", m.Arena, o.Reason)
	}
	return fmt.Sprintf("%s match won by %s (%s)", m.Arena, o.WinnerID.String()[:8], o.Reason)
}
