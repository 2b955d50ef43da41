// Package runtime drives a paired match from its first request to the
// hand-off to settlement or voting.
package runtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"agent-arena/server/agent"
	"agent-arena/server/errs"
	"agent-arena/server/feed"
	"agent-arena/server/judge"
	"agent-arena/server/model"
	"agent-arena/server/settlement"

	"github.com/google/uuid"
)

// Store is the match persistence the runtimes need.
type Store interface {
	GetMatch(ctx context.Context, id uuid.UUID) (model.Match, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	TransitionMatch(ctx context.Context, id uuid.UUID, from, to model.Status) (bool, error)
	SaveMatchPayload(ctx context.Context, id uuid.UUID, p model.Payload) error
	OpenVoting(ctx context.Context, id uuid.UUID, p model.Payload, deadline time.Time) (bool, error)
	SaveHighlights(ctx context.Context, id uuid.UUID, h model.Highlights) error
}

type Settler interface {
	Settle(ctx context.Context, matchID uuid.UUID, outcome *model.Outcome) (settlement.Result, error)
}

type Config struct {
	MaxAttempts     int
	MoveTimeout     time.Duration
	MaxPlies        int
	MaxTokens       int
	ResponseTimeout time.Duration
	DebateRounds    int
	VotingWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = 40 * time.Second
	}
	if c.MaxPlies <= 0 {
		c.MaxPlies = 200
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 45 * time.Second
	}
	if c.DebateRounds <= 0 {
		c.DebateRounds = 3
	}
	if c.VotingWindow <= 0 {
		c.VotingWindow = 10 * time.Minute
	}
	return c
}

// Report is what a run produced. Settlement is nil when the match went to
// voting instead.
type Report struct {
	MatchID    uuid.UUID          `json:"match_id"`
	Status     model.Status       `json:"status"`
	Outcome    *model.Outcome     `json:"outcome,omitempty"`
	Settlement *settlement.Result `json:"settlement,omitempty"`
}

type Runner struct {
	store     Store
	responder agent.Responder
	settler   Settler
	feed      feed.Publisher
	prompts   *PromptBank
	cfg       Config
	now       func() time.Time

	highlights sync.WaitGroup
}

func NewRunner(store Store, responder agent.Responder, settler Settler, pub feed.Publisher, cfg Config) *Runner {
	if pub == nil {
		pub = feed.Discard{}
	}
	return &Runner{
		store:     store,
		responder: responder,
		settler:   settler,
		feed:      pub,
		prompts:   DefaultPrompts(),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

func (r *Runner) WithPrompts(p *PromptBank) *Runner {
	r.prompts = p
	return r
}

// Play runs a paired match. Independent matches may be played concurrently.
func (r *Runner) Play(ctx context.Context, matchID uuid.UUID) (Report, error) {
	m, err := r.store.GetMatch(ctx, matchID)
	if err != nil {
		return Report{}, err
	}
	ok, err := r.store.TransitionMatch(ctx, m.ID, model.StatusPaired, model.StatusLive)
	if err != nil {
		return Report{}, fmt.Errorf("start match: %w", err)
	}
	if !ok {
		return Report{}, errs.State(errs.CodeInvalidTransition, fmt.Sprintf("match %s is %s, not paired", m.ID, m.Status))
	}
	m.Status = model.StatusLive
	r.feed.Publish(ctx, model.FeedEvent{
		Type:      model.EventMatchLive,
		ActorID:   m.ID,
		Headline:  fmt.Sprintf("%s match is live", m.Arena),
		Metadata:  map[string]any{"arena": m.Arena, "participants": m.Participants},
		CreatedAt: r.now(),
	})
	if m.Arena.TurnBased() {
		return r.playChess(ctx, m)
	}
	return r.playPrompt(ctx, m)
}

// Wait blocks until background highlight jobs finish.
func (r *Runner) Wait() { r.highlights.Wait() }

func (r *Runner) settle(ctx context.Context, m model.Match, o *model.Outcome) (Report, error) {
	res, err := r.settler.Settle(ctx, m.ID, o)
	if err != nil {
		return Report{MatchID: m.ID, Status: model.StatusLive, Outcome: o}, fmt.Errorf("settle: %w", err)
	}
	r.spawnHighlights(m.ID, *o)
	return Report{MatchID: m.ID, Status: model.StatusSettled, Outcome: o, Settlement: &res}, nil
}

// spawnHighlights builds highlights off the critical path. Failures are
// logged only.
func (r *Runner) spawnHighlights(matchID uuid.UUID, o model.Outcome) {
	r.highlights.Add(1)
	go func() {
		defer r.highlights.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := judge.Run(ctx, r.store, matchID, o); err != nil {
			log.Printf("[highlights] match %s: %v", matchID, err)
		}
	}()
}

// ask calls the responder with a hard deadline that holds even if the
// provider ignores its context.
func (r *Runner) ask(ctx context.Context, agentID uuid.UUID, conv agent.Conversation, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		text, err := r.responder.Respond(cctx, agentID, conv, r.cfg.MaxTokens)
		ch <- reply{text, err}
	}()
	select {
	case rp := <-ch:
		return rp.text, rp.err
	case <-cctx.Done():
		return "", fmt.Errorf("no reply within %s: %w", timeout, cctx.Err())
	}
}

func (r *Runner) names(ctx context.Context, ids []uuid.UUID) map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if a, err := r.store.GetAgent(ctx, id); err == nil {
			out[id] = a.Name
		} else {
			out[id] = id.String()[:8]
		}
	}
	return out
}
