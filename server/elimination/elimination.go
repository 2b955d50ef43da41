// Package elimination retires agents whose rating has collapsed.
package elimination

import (
	"context"
	"fmt"
	"log"
	"time"

	"agent-arena/server/feed"
	"agent-arena/server/model"
	"agent-arena/server/rating"

	"github.com/google/uuid"
)

// Store is what the checker reads and writes. EliminateAgent must flip the
// agent inactive and insert its memorial atomically, and report false when
// the agent was already inactive.
type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	EliminateAgent(ctx context.Context, m model.Memorial) (bool, error)
}

type Checker struct {
	store      Store
	feed       feed.Publisher
	Threshold  int
	MinMatches int
	now        func() time.Time
}

func NewChecker(store Store, pub feed.Publisher, threshold, minMatches int) *Checker {
	if pub == nil {
		pub = feed.Discard{}
	}
	return &Checker{store: store, feed: pub, Threshold: threshold, MinMatches: minMatches, now: time.Now}
}

// Eligible reports whether an agent meets the elimination criterion.
func (c *Checker) Eligible(a model.Agent) bool {
	return a.Active && a.Rating < c.Threshold && a.Matches >= c.MinMatches
}

// Check runs after an agent's rating update has committed. It returns true
// only for the call that actually eliminated the agent.
func (c *Checker) Check(ctx context.Context, agentID, matchID uuid.UUID) (bool, error) {
	a, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if !c.Eligible(a) {
		return false, nil
	}
	lo, hi := rating.WilsonCI95(a.Wins, a.Draws, a.Matches)
	mem := model.Memorial{
		ID:          uuid.New(),
		AgentID:     a.ID,
		AgentName:   a.Name,
		FinalRating: a.Rating,
		Matches:     a.Matches,
		Wins:        a.Wins,
		Losses:      a.Losses,
		Draws:       a.Draws,
		WinRate:     rating.WinRate(a.Wins, a.Draws, a.Matches),
		WinRateLow:  lo,
		WinRateHigh: hi,
		MatchID:     matchID,
		CreatedAt:   c.now(),
	}
	done, err := c.store.EliminateAgent(ctx, mem)
	if err != nil {
		return false, fmt.Errorf("eliminate agent %s: %w", agentID, err)
	}
	if !done {
		return false, nil
	}
	log.Printf("[elimination] %s retired at %d after %d matches", a.Name, a.Rating, a.Matches)
	c.feed.Publish(ctx, model.FeedEvent{
		Type:      model.EventAgentEliminated,
		ActorID:   a.ID,
		TargetID:  &matchID,
		Headline:  fmt.Sprintf("%s has been eliminated at %d", a.Name, a.Rating),
		Metadata:  map[string]any{"final_rating": a.Rating, "matches": a.Matches},
		CreatedAt: mem.CreatedAt,
	})
	return true, nil
}
