package votes

import (
	"context"
	"sync"
	"time"

	"agent-arena/server/model"

	"github.com/google/uuid"
)

// MemoryStore is the volatile vote store. State is lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	byIP   map[string][]time.Time
	tokens map[uuid.UUID]map[string]uuid.UUID
	counts map[uuid.UUID]map[uuid.UUID]int
	totals map[uuid.UUID]int
	pruned time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byIP:   map[string][]time.Time{},
		tokens: map[uuid.UUID]map[string]uuid.UUID{},
		counts: map[uuid.UUID]map[uuid.UUID]int{},
		totals: map[uuid.UUID]int{},
	}
}

func (s *MemoryStore) Record(_ context.Context, v model.Vote, limit int, window time.Duration) (model.VoteReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := v.CreatedAt.Add(-window)
	if v.CreatedAt.Sub(s.pruned) >= window {
		for ip := range s.byIP {
			s.expire(ip, cutoff)
		}
		s.pruned = v.CreatedAt
	}
	recent := s.expire(v.IPHash, cutoff)
	if len(recent) >= limit {
		return model.VoteReceipt{Reason: model.ReasonRateLimited}, nil
	}

	voted := s.tokens[v.MatchID]
	if voted == nil {
		voted = map[string]uuid.UUID{}
		s.tokens[v.MatchID] = voted
	}
	if _, dup := voted[v.VoterToken]; dup {
		return model.VoteReceipt{Reason: model.ReasonDuplicate}, nil
	}

	voted[v.VoterToken] = v.Choice
	s.byIP[v.IPHash] = append(s.byIP[v.IPHash], v.CreatedAt)
	if s.counts[v.MatchID] == nil {
		s.counts[v.MatchID] = map[uuid.UUID]int{}
	}
	s.counts[v.MatchID][v.Choice]++
	s.totals[v.MatchID]++
	return model.VoteReceipt{Accepted: true}, nil
}

// expire drops accepted votes that left the window and forgets the address
// once none remain.
func (s *MemoryStore) expire(ip string, cutoff time.Time) []time.Time {
	recent := s.byIP[ip][:0]
	for _, ts := range s.byIP[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) == 0 {
		delete(s.byIP, ip)
		return nil
	}
	s.byIP[ip] = recent
	return recent
}

func (s *MemoryStore) Tally(_ context.Context, matchID uuid.UUID) (model.Tally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[uuid.UUID]int, len(s.counts[matchID]))
	for k, v := range s.counts[matchID] {
		counts[k] = v
	}
	return model.Tally{MatchID: matchID, Counts: counts, Total: s.totals[matchID]}, nil
}
