// Package memstore keeps arena state in process memory. It backs tests and
// the console duel; a single mutex stands in for row locks.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store struct {
	mu        sync.Mutex
	agents    map[uuid.UUID]model.Agent
	wallets   map[uuid.UUID]model.Wallet
	matches   map[uuid.UUID]model.Match
	pools     map[uuid.UUID]model.BetPool
	poolByM   map[uuid.UUID]uuid.UUID
	bets      map[uuid.UUID][]model.Bet
	queue     []model.QueueEntry
	memorials map[uuid.UUID]model.Memorial
	rated     map[uuid.UUID]bool
	feed      []model.FeedEvent
	platform  decimal.Decimal
	now       func() time.Time
}

func New() *Store {
	return &Store{
		agents:    map[uuid.UUID]model.Agent{},
		wallets:   map[uuid.UUID]model.Wallet{},
		matches:   map[uuid.UUID]model.Match{},
		pools:     map[uuid.UUID]model.BetPool{},
		poolByM:   map[uuid.UUID]uuid.UUID{},
		bets:      map[uuid.UUID][]model.Bet{},
		memorials: map[uuid.UUID]model.Memorial{},
		rated:     map[uuid.UUID]bool{},
		platform:  decimal.Zero,
		now:       time.Now,
	}
}

// WithClock replaces the wall clock used for timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

/* -----------------------------
   Agents & wallets
------------------------------*/

func (s *Store) CreateWallet(_ context.Context, w model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ID] = w
	return nil
}

func (s *Store) GetWallet(_ context.Context, id uuid.UUID) (model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return model.Wallet{}, errs.NotFound("wallet not found")
	}
	return w, nil
}

func (s *Store) CreateAgent(_ context.Context, a model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
	return nil
}

func (s *Store) GetAgent(_ context.Context, id uuid.UUID) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return model.Agent{}, errs.NotFound("agent not found")
	}
	return a, nil
}

// ApplyRatings hands the active participants to plan and commits what it
// returns under the store lock. A match is rated at most once.
func (s *Store) ApplyRatings(_ context.Context, matchID uuid.UUID, ids []uuid.UUID, plan func([]model.Agent) []model.RatingUpdate) ([]model.RatingUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make([]model.Agent, 0, len(ids))
	for _, id := range ids {
		a, ok := s.agents[id]
		if !ok {
			return nil, errs.NotFound("agent not found")
		}
		if a.Active {
			active = append(active, a)
		}
	}
	if s.rated[matchID] {
		return nil, nil
	}
	updates := plan(active)
	applied := make([]model.RatingUpdate, 0, len(updates))
	for _, u := range updates {
		a, ok := s.agents[u.AgentID]
		if !ok || !a.Active {
			continue
		}
		a.Rating = u.After
		a.Matches++
		switch u.Score {
		case 1:
			a.Wins++
		case 0:
			a.Losses++
		default:
			a.Draws++
		}
		s.agents[a.ID] = a
		applied = append(applied, u)
	}
	if len(applied) > 0 {
		s.rated[matchID] = true
	}
	return applied, nil
}

// EliminateAgent flips an active agent to inactive and writes its memorial.
// It reports false when the agent was already inactive.
func (s *Store) EliminateAgent(_ context.Context, m model.Memorial) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[m.AgentID]
	if !ok {
		return false, errs.NotFound("agent not found")
	}
	if !a.Active {
		return false, nil
	}
	if _, exists := s.memorials[m.AgentID]; exists {
		return false, nil
	}
	a.Active = false
	s.agents[a.ID] = a
	s.memorials[m.AgentID] = m
	return true, nil
}

func (s *Store) GetMemorial(_ context.Context, agentID uuid.UUID) (model.Memorial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memorials[agentID]
	if !ok {
		return model.Memorial{}, errs.NotFound("memorial not found")
	}
	return m, nil
}

// MemorialCount is used by tests to assert single creation.
func (s *Store) MemorialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memorials)
}

/* -----------------------------
   Matches
------------------------------*/

func (s *Store) CreateMatch(_ context.Context, m model.Match, pool model.BetPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertMatch(m, pool)
	return nil
}

func (s *Store) insertMatch(m model.Match, pool model.BetPool) {
	s.matches[m.ID] = cloneMatch(m)
	s.pools[pool.ID] = pool
	s.poolByM[m.ID] = pool.ID
}

func (s *Store) GetMatch(_ context.Context, id uuid.UUID) (model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return model.Match{}, errs.NotFound("match not found")
	}
	return cloneMatch(m), nil
}

// TransitionMatch moves a match from one status to another only if it is
// still in the expected status.
func (s *Store) TransitionMatch(_ context.Context, id uuid.UUID, from, to model.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, errs.NotFound("match not found")
	}
	if m.Status != from {
		return false, nil
	}
	m.Status = to
	m.UpdatedAt = s.now()
	s.matches[id] = m
	return true, nil
}

func (s *Store) SaveMatchPayload(_ context.Context, id uuid.UUID, p model.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return errs.NotFound("match not found")
	}
	m.Payload = clonePayload(p)
	m.UpdatedAt = s.now()
	s.matches[id] = m
	return nil
}

func (s *Store) OpenVoting(_ context.Context, id uuid.UUID, p model.Payload, deadline time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, errs.NotFound("match not found")
	}
	if m.Status != model.StatusLive {
		return false, nil
	}
	m.Status = model.StatusVoting
	m.Payload = clonePayload(p)
	m.VotingDeadline = &deadline
	m.UpdatedAt = s.now()
	s.matches[id] = m
	return true, nil
}

// FinishMatch records the outcome and moves settling to settled.
func (s *Store) FinishMatch(_ context.Context, id uuid.UUID, o model.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, errs.NotFound("match not found")
	}
	if m.Status != model.StatusSettling {
		return false, nil
	}
	now := s.now()
	m.Status = model.StatusSettled
	m.Outcome = &o
	m.SettledAt = &now
	m.UpdatedAt = now
	s.matches[id] = m
	return true, nil
}

func (s *Store) SaveOutcome(_ context.Context, id uuid.UUID, o model.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return false, errs.NotFound("match not found")
	}
	if m.Status != model.StatusSettling {
		return false, nil
	}
	m.Outcome = &o
	m.UpdatedAt = s.now()
	s.matches[id] = m
	return true, nil
}

func (s *Store) ListStaleSettling(_ context.Context, before time.Time) ([]model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Match
	for _, m := range s.matches {
		if m.Status == model.StatusSettling && m.UpdatedAt.Before(before) {
			out = append(out, cloneMatch(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) SaveHighlights(_ context.Context, id uuid.UUID, h model.Highlights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return errs.NotFound("match not found")
	}
	m.Highlights = &h
	s.matches[id] = m
	return nil
}

func (s *Store) ListMatches(_ context.Context, f model.MatchFilter) ([]model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Match, 0, f.Limit)
	for _, m := range s.matches {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Arena != "" && m.Arena != f.Arena {
			continue
		}
		if !f.Before.IsZero() && !newer(model.Match{ID: f.BeforeID, CreatedAt: f.Before}, m) {
			continue
		}
		out = append(out, cloneMatch(m))
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// newer orders by created_at then id, both descending. A nil id sorts
// below every row with the same timestamp.
func newer(a, b model.Match) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.ID == uuid.Nil {
		return false
	}
	return bytes.Compare(a.ID[:], b.ID[:]) > 0
}

func (s *Store) ListExpiredVoting(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, m := range s.matches {
		if m.Status == model.StatusVoting && m.VotingDeadline != nil && !m.VotingDeadline.After(now) {
			ids = append(ids, id)
		}
	}
	return sortedIDs(ids), nil
}

/* -----------------------------
   Wagering
------------------------------*/

func (s *Store) GetPoolByMatch(_ context.Context, matchID uuid.UUID) (model.BetPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.poolByM[matchID]
	if !ok {
		return model.BetPool{}, errs.NotFound("pool not found")
	}
	return clonePool(s.pools[id]), nil
}

func (s *Store) PlaceBet(_ context.Context, b model.Bet) (model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[b.PoolID]
	if !ok {
		return model.Bet{}, errs.NotFound("pool not found")
	}
	if pool.Status != model.PoolOpen {
		return model.Bet{}, errs.State(errs.CodePoolClosed, "pool is closed")
	}
	if m := s.matches[pool.MatchID]; m.Status.Terminal() {
		return model.Bet{}, errs.State(errs.CodePoolClosed, "match is no longer taking bets")
	}
	w, ok := s.wallets[b.WalletID]
	if !ok {
		return model.Bet{}, errs.NotFound("wallet not found")
	}
	if w.Balance.LessThan(b.Stake) {
		return model.Bet{}, errs.ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(b.Stake)
	w.Locked = w.Locked.Add(b.Stake)
	s.wallets[w.ID] = w

	if pool.Sides == nil {
		pool.Sides = map[uuid.UUID]decimal.Decimal{}
	}
	pool.Sides[b.Side] = pool.Sides[b.Side].Add(b.Stake)
	s.pools[pool.ID] = pool
	s.bets[pool.ID] = append(s.bets[pool.ID], b)
	return b, nil
}

// SettlePool applies plan atomically: every wallet delta is validated before
// any is written.
func (s *Store) SettlePool(_ context.Context, poolID uuid.UUID, plan func(model.BetPool, []model.Bet) model.PoolSettlement) (model.PoolSettlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[poolID]
	if !ok {
		return model.PoolSettlement{}, errs.NotFound("pool not found")
	}
	if pool.Status == model.PoolSettled {
		return model.PoolSettlement{}, errs.ErrPoolSettled
	}
	bets := append([]model.Bet(nil), s.bets[poolID]...)
	res := plan(clonePool(pool), bets)

	next := make([]model.Wallet, 0, len(res.Deltas))
	for _, d := range res.Deltas {
		w, ok := s.wallets[d.WalletID]
		if !ok {
			return model.PoolSettlement{}, errs.NotFound("wallet not found")
		}
		w.Balance = w.Balance.Add(d.Balance)
		w.Locked = w.Locked.Add(d.Locked)
		w.TotalEarned = w.TotalEarned.Add(d.Earned)
		w.TotalSpent = w.TotalSpent.Add(d.Spent)
		if w.Balance.IsNegative() || w.Locked.IsNegative() {
			return model.PoolSettlement{}, errs.Integrity(errs.CodeNegativeBalance, "settlement would overdraw wallet "+w.ID.String())
		}
		next = append(next, w)
	}
	for _, w := range next {
		s.wallets[w.ID] = w
	}
	for i := range bets {
		bets[i].Payout = res.Payouts[bets[i].ID]
		bets[i].Status = res.Outcomes[bets[i].ID]
	}
	s.bets[poolID] = bets

	now := s.now()
	pool.Status = model.PoolSettled
	pool.Rake = res.Rake
	pool.WinningSide = res.Winning
	pool.SettledAt = &now
	s.pools[poolID] = pool
	s.platform = s.platform.Add(res.Rake)
	return res, nil
}

func (s *Store) Bets(poolID uuid.UUID) []model.Bet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Bet(nil), s.bets[poolID]...)
}

func (s *Store) PlatformRake() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platform
}

/* -----------------------------
   Queue
------------------------------*/

func (s *Store) Enqueue(_ context.Context, e model.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queue {
		if q.AgentID == e.AgentID {
			return errs.State(errs.CodeAlreadyQueued, "agent is already queued")
		}
	}
	s.queue = append(s.queue, e)
	return nil
}

func (s *Store) ExpireQueue(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	n := 0
	for _, q := range s.queue {
		if !q.ExpiresAt.After(now) {
			n++
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept
	return n, nil
}

// ListQueue returns waiting entries oldest first.
func (s *Store) ListQueue(_ context.Context) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]model.QueueEntry(nil), s.queue...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

// PairEntries removes both queue entries and creates the match. It reports
// false if either entry is already gone or either agent is inactive.
func (s *Store) PairEntries(_ context.Context, a, b uuid.UUID, m model.Match, pool model.BetPool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ia, ib := -1, -1
	for i, q := range s.queue {
		switch q.ID {
		case a:
			ia = i
		case b:
			ib = i
		}
	}
	if ia < 0 || ib < 0 {
		return false, nil
	}
	for _, id := range m.Participants {
		if ag, ok := s.agents[id]; !ok || !ag.Active {
			return false, nil
		}
	}
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.ID != a && q.ID != b {
			kept = append(kept, q)
		}
	}
	s.queue = kept
	s.insertMatch(m, pool)
	return true, nil
}

/* -----------------------------
   Feed
------------------------------*/

func (s *Store) RecordEvent(_ context.Context, e model.FeedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = append(s.feed, e)
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(_ context.Context, limit int) ([]model.FeedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FeedEvent, 0, limit)
	for i := len(s.feed) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.feed[i])
	}
	return out, nil
}

/* -----------------------------
   copies
------------------------------*/

func cloneMatch(m model.Match) model.Match {
	m.Participants = append([]uuid.UUID(nil), m.Participants...)
	m.Payload = clonePayload(m.Payload)
	return m
}

func clonePayload(p model.Payload) model.Payload {
	p.Moves = append([]model.MoveRecord(nil), p.Moves...)
	p.Failures = append([]model.Attempt(nil), p.Failures...)
	p.Rounds = append([]model.Round(nil), p.Rounds...)
	return p
}

func clonePool(p model.BetPool) model.BetPool {
	sides := make(map[uuid.UUID]decimal.Decimal, len(p.Sides))
	for k, v := range p.Sides {
		sides[k] = v
	}
	p.Sides = sides
	return p
}

func sortedIDs(ids []uuid.UUID) []uuid.UUID {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}
