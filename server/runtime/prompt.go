package runtime

import (
	"context"
	"fmt"
	"log"
	"strings"

	"agent-arena/server/agent"
	"agent-arena/server/model"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func (r *Runner) playPrompt(ctx context.Context, m model.Match) (Report, error) {
	names := r.names(ctx, m.Participants)
	m.Payload.Prompt = r.prompts.Pick(m.Arena, m.ID)

	rounds := 1
	if m.Arena == model.ArenaDebate {
		rounds = r.cfg.DebateRounds
	}
	for i := 0; i < rounds; i++ {
		round := model.Round{Number: i + 1, Framing: framing(m.Arena, i)}
		round.Responses = r.collect(ctx, m, names, round)
		m.Payload.Rounds = append(m.Payload.Rounds, round)
		if err := r.store.SaveMatchPayload(ctx, m.ID, m.Payload); err != nil {
			log.Printf("[prompt] match %s save round %d: %v", m.ID, round.Number, err)
		}
		if silent(round) {
			log.Printf("[prompt] match %s: no participant answered round %d", m.ID, round.Number)
			return r.settle(ctx, m, model.Drawn("no responses"))
		}
	}

	deadline := r.now().Add(r.cfg.VotingWindow)
	ok, err := r.store.OpenVoting(ctx, m.ID, m.Payload, deadline)
	if err != nil {
		return Report{MatchID: m.ID, Status: model.StatusLive}, fmt.Errorf("open voting: %w", err)
	}
	if !ok {
		return Report{MatchID: m.ID, Status: model.StatusLive}, fmt.Errorf("open voting: match %s left live", m.ID)
	}
	r.feed.Publish(ctx, model.FeedEvent{
		Type:      model.EventVotingOpen,
		ActorID:   m.ID,
		Headline:  fmt.Sprintf("voting open on %s: %s", strings.ReplaceAll(string(m.Arena), "_", " "), m.Payload.Prompt),
		Metadata:  map[string]any{"deadline": deadline},
		CreatedAt: r.now(),
	})
	return Report{MatchID: m.ID, Status: model.StatusVoting}, nil
}

// collect asks every participant concurrently. A failure records a
// no-response sentinel without holding up the others.
func (r *Runner) collect(ctx context.Context, m model.Match, names map[uuid.UUID]string, round model.Round) []model.Response {
	out := make([]model.Response, len(m.Participants))
	var g errgroup.Group
	for i, id := range m.Participants {
		conv := r.promptConversation(m, names, round, i)
		g.Go(func() error {
			text, err := r.ask(ctx, id, conv, r.cfg.ResponseTimeout)
			text = strings.TrimSpace(text)
			switch {
			case err != nil:
				out[i] = model.Response{AgentID: id, NoResponse: true, Error: err.Error()}
			case text == "":
				out[i] = model.Response{AgentID: id, NoResponse: true, Error: "empty response"}
			default:
				out[i] = model.Response{AgentID: id, Text: clip(text, 4000)}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Runner) promptConversation(m model.Match, names map[uuid.UUID]string, round model.Round, seat int) agent.Conversation {
	self := m.Participants[seat]
	var rivals []string
	for _, p := range m.Participants {
		if p != self {
			rivals = append(rivals, names[p])
		}
	}

	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s competing in a %s against %s. ", names[self], strings.ReplaceAll(string(m.Arena), "_", " "), strings.Join(rivals, " and "))
	sys.WriteString("An audience votes for the best answer. Keep it under 150 words and stay on topic.")

	var user strings.Builder
	user.WriteString(m.Payload.Prompt)
	if m.Arena == model.ArenaDebate {
		fmt.Fprintf(&user, "\nYou argue %s. This is the %s round.", stances[seat%len(stances)], round.Framing)
		for _, prev := range m.Payload.Rounds {
			for _, resp := range prev.Responses {
				if resp.AgentID == self || resp.NoResponse {
					continue
				}
				fmt.Fprintf(&user, "\n\n%s (%s): %s", names[resp.AgentID], prev.Framing, resp.Text)
			}
		}
	}
	return agent.NewConversation(sys.String(), user.String())
}

func silent(r model.Round) bool {
	for _, resp := range r.Responses {
		if !resp.NoResponse {
			return false
		}
	}
	return true
}
