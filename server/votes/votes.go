// Package votes records spectator votes on prompt-arena matches.
package votes

import (
	"context"
	"sync"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
)

// Store persists votes. Record applies the rate limit and duplicate rules
// atomically and updates the tally when the vote is accepted.
type Store interface {
	Record(ctx context.Context, v model.Vote, limit int, window time.Duration) (model.VoteReceipt, error)
	Tally(ctx context.Context, matchID uuid.UUID) (model.Tally, error)
}

// MatchReader is the read side the aggregator needs to re-validate a vote.
type MatchReader interface {
	GetMatch(ctx context.Context, id uuid.UUID) (model.Match, error)
}

type Limits struct {
	PerIP  int
	Window time.Duration
}

// Aggregator routes each arena to its store. Arenas listed as volatile use
// the in-memory store; the rest use the durable one.
//
// Votes run under the read side of gate from the status check to the write;
// FinalTally takes the write side, so once a match has left voting every
// accepted vote is in the tally it returns.
type Aggregator struct {
	gate     sync.RWMutex
	matches  MatchReader
	volatile Store
	durable  Store
	inMemory map[model.ArenaKind]bool
	limits   Limits
	now      func() time.Time
}

func NewAggregator(matches MatchReader, volatile, durable Store, volatileArenas []model.ArenaKind, limits Limits) *Aggregator {
	if limits.PerIP <= 0 {
		limits.PerIP = 3
	}
	if limits.Window <= 0 {
		limits.Window = time.Hour
	}
	if durable == nil {
		durable = volatile
	}
	set := map[model.ArenaKind]bool{}
	for _, a := range volatileArenas {
		set[a] = true
	}
	return &Aggregator{
		matches:  matches,
		volatile: volatile,
		durable:  durable,
		inMemory: set,
		limits:   limits,
		now:      time.Now,
	}
}

// WithClock replaces the wall clock. Used by tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

func (a *Aggregator) storeFor(arena model.ArenaKind) Store {
	if a.inMemory[arena] {
		return a.volatile
	}
	return a.durable
}

// RecordVote validates the match and choice, then applies the rate limit and
// duplicate checks in that order.
func (a *Aggregator) RecordVote(ctx context.Context, matchID uuid.UUID, voterToken string, choice uuid.UUID, ipHash string) (model.VoteReceipt, error) {
	if voterToken == "" || ipHash == "" {
		return model.VoteReceipt{}, errs.Validation(errs.CodeBadVote, "voter token and ip are required")
	}
	a.gate.RLock()
	defer a.gate.RUnlock()
	m, err := a.matches.GetMatch(ctx, matchID)
	if err != nil {
		return model.VoteReceipt{}, err
	}
	if m.Arena.TurnBased() {
		return model.VoteReceipt{}, errs.Validation(errs.CodeBadVote, "this arena is not decided by votes")
	}
	if !m.HasParticipant(choice) {
		return model.VoteReceipt{}, errs.Validation(errs.CodeBadVote, "choice is not a participant")
	}
	if m.Status != model.StatusVoting {
		return model.VoteReceipt{Accepted: false, Reason: model.ReasonVotingClosed}, nil
	}
	now := a.now()
	if m.VotingDeadline != nil && !now.Before(*m.VotingDeadline) {
		return model.VoteReceipt{Accepted: false, Reason: model.ReasonVotingClosed}, nil
	}
	return a.storeFor(m.Arena).Record(ctx, model.Vote{
		MatchID:    matchID,
		VoterToken: voterToken,
		Choice:     choice,
		IPHash:     ipHash,
		CreatedAt:  now,
	}, a.limits.PerIP, a.limits.Window)
}

func (a *Aggregator) Tally(ctx context.Context, matchID uuid.UUID) (model.Tally, error) {
	m, err := a.matches.GetMatch(ctx, matchID)
	if err != nil {
		return model.Tally{}, err
	}
	return a.storeFor(m.Arena).Tally(ctx, matchID)
}

// FinalTally is the tally settlement reads after moving the match out of
// voting. It waits for votes already past their status check.
func (a *Aggregator) FinalTally(ctx context.Context, matchID uuid.UUID) (model.Tally, error) {
	a.gate.Lock()
	defer a.gate.Unlock()
	return a.Tally(ctx, matchID)
}
