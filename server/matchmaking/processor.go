// Package matchmaking pairs queued agents and closes out expired votes.
package matchmaking

import (
	"context"
	"fmt"
	"log"
	"time"

	"agent-arena/server/errs"
	"agent-arena/server/feed"
	"agent-arena/server/model"
	"agent-arena/server/settlement"

	"github.com/google/uuid"
)

type Store interface {
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	CreateMatch(ctx context.Context, m model.Match, pool model.BetPool) error
	Enqueue(ctx context.Context, e model.QueueEntry) error
	ExpireQueue(ctx context.Context, now time.Time) (int, error)
	ListQueue(ctx context.Context) ([]model.QueueEntry, error)
	PairEntries(ctx context.Context, a, b uuid.UUID, m model.Match, pool model.BetPool) (bool, error)
	ListExpiredVoting(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

type Settler interface {
	Settle(ctx context.Context, matchID uuid.UUID, outcome *model.Outcome) (settlement.Result, error)
	Resume(ctx context.Context, before time.Time) (settlement.ResumeReport, error)
}

type Processor struct {
	store      Store
	settler    Settler
	feed       feed.Publisher
	TTL        time.Duration
	// StaleAfter is how long a match may sit in settling before Sweep
	// resumes or releases it.
	StaleAfter time.Duration
	now        func() time.Time

	// OnPaired runs after a match is created, e.g. to start its runtime.
	OnPaired func(model.Match)
}

func NewProcessor(store Store, settler Settler, pub feed.Publisher, ttl time.Duration) *Processor {
	if pub == nil {
		pub = feed.Discard{}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Processor{store: store, settler: settler, feed: pub, TTL: ttl, StaleAfter: 5 * time.Minute, now: time.Now}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Enqueue adds an active agent to the queue for an arena.
func (p *Processor) Enqueue(ctx context.Context, agentID uuid.UUID, arena model.ArenaKind) (model.QueueEntry, error) {
	a, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return model.QueueEntry{}, err
	}
	if !a.Active {
		return model.QueueEntry{}, errs.State(errs.CodeAgentInactive, "agent has been eliminated")
	}
	now := p.now()
	e := model.QueueEntry{ID: uuid.New(), AgentID: agentID, Arena: arena, EnqueuedAt: now, ExpiresAt: now.Add(p.TTL)}
	if err := p.store.Enqueue(ctx, e); err != nil {
		return model.QueueEntry{}, err
	}
	return e, nil
}

// CreateMatch pairs participants directly, bypassing the queue.
func (p *Processor) CreateMatch(ctx context.Context, arena model.ArenaKind, participants []uuid.UUID) (model.Match, error) {
	m, err := model.NewMatch(arena, participants, p.now())
	if err != nil {
		return model.Match{}, err
	}
	for _, id := range participants {
		a, err := p.store.GetAgent(ctx, id)
		if err != nil {
			return model.Match{}, err
		}
		if !a.Active {
			return model.Match{}, errs.State(errs.CodeAgentInactive, fmt.Sprintf("agent %s has been eliminated", a.Name))
		}
	}
	if err := p.store.CreateMatch(ctx, m, model.NewPool(m.ID, m.CreatedAt)); err != nil {
		return model.Match{}, fmt.Errorf("create match: %w", err)
	}
	p.paired(ctx, m)
	return m, nil
}

type SweepReport struct {
	Expired int      `json:"expired"`
	Paired  int      `json:"paired"`
	Settled int      `json:"settled"`
	Resumed int      `json:"resumed"`
	Errors  []string `json:"errors,omitempty"`
}

// Sweep expires stale entries, pairs the rest first-compatible, settles
// voting matches past their deadline and resumes stuck settlements.
func (p *Processor) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := p.now()

	n, err := p.store.ExpireQueue(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("expire queue: %w", err)
	}
	rep.Expired = n

	entries, err := p.store.ListQueue(ctx)
	if err != nil {
		return rep, fmt.Errorf("list queue: %w", err)
	}
	active := map[uuid.UUID]bool{}
	isActive := func(id uuid.UUID) bool {
		if v, ok := active[id]; ok {
			return v
		}
		a, err := p.store.GetAgent(ctx, id)
		active[id] = err == nil && a.Active
		return active[id]
	}
	used := map[uuid.UUID]bool{}
	for i, e := range entries {
		if used[e.ID] || !isActive(e.AgentID) {
			continue
		}
		for _, f := range entries[i+1:] {
			if used[f.ID] || f.Arena != e.Arena || f.AgentID == e.AgentID || !isActive(f.AgentID) {
				continue
			}
			m, err := model.NewMatch(e.Arena, []uuid.UUID{e.AgentID, f.AgentID}, now)
			if err != nil {
				rep.Errors = append(rep.Errors, err.Error())
				continue
			}
			ok, err := p.store.PairEntries(ctx, e.ID, f.ID, m, model.NewPool(m.ID, now))
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("pair %s/%s: %v", e.ID, f.ID, err))
				continue
			}
			if !ok {
				continue
			}
			used[e.ID], used[f.ID] = true, true
			rep.Paired++
			p.paired(ctx, m)
			break
		}
	}

	ids, err := p.store.ListExpiredVoting(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list expired voting: %w", err)
	}
	for _, id := range ids {
		res, err := p.settler.Settle(ctx, id, nil)
		switch {
		case err != nil && errs.KindOf(err) == errs.KindState:
			// another caller moved it first
		case err != nil:
			rep.Errors = append(rep.Errors, fmt.Sprintf("settle %s: %v", id, err))
		case !res.AlreadySettling:
			rep.Settled++
		}
	}

	resumed, err := p.settler.Resume(ctx, now.Add(-p.StaleAfter))
	rep.Resumed = resumed.Finished + resumed.Released
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	}

	if len(rep.Errors) > 0 {
		log.Printf("[sweep] %d error(s), first: %s", len(rep.Errors), rep.Errors[0])
	}
	log.Printf("[sweep] expired=%d paired=%d settled=%d resumed=%d", rep.Expired, rep.Paired, rep.Settled, rep.Resumed)
	return rep, nil
}

func (p *Processor) paired(ctx context.Context, m model.Match) {
	p.feed.Publish(ctx, model.FeedEvent{
		Type:      model.EventMatchPaired,
		ActorID:   m.ID,
		Headline:  fmt.Sprintf("new %s match paired", m.Arena),
		Metadata:  map[string]any{"arena": m.Arena, "participants": m.Participants},
		CreatedAt: m.CreatedAt,
	})
	if p.OnPaired != nil {
		p.OnPaired(m)
	}
}
