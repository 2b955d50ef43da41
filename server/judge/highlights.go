// Package judge builds post-match highlights: clip-worthy moments and a
// short narrative. It runs after the outcome is handed off and never blocks
// settlement.
package judge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"agent-arena/server/model"

	"github.com/google/uuid"
)

// Clip kinds.
const (
	ClipMate      = "mate"
	ClipPromotion = "promotion"
	ClipQueenTake = "queen_capture"
	ClipCheck     = "check"
	ClipRetry     = "retry"
	ClipSilence   = "no_response"
)

// Clip weights; higher ranks first.
var weight = map[string]int{
	ClipMate:      5,
	ClipQueenTake: 4,
	ClipPromotion: 3,
	ClipRetry:     2,
	ClipCheck:     1,
	ClipSilence:   2,
}

const maxClips = 6

// Clips picks the most interesting chess moments, in ply order.
func Clips(moves []model.MoveRecord, mated bool) []model.Clip {
	var out []model.Clip
	for i, m := range moves {
		last := i == len(moves)-1
		switch {
		case last && mated:
			out = append(out, model.Clip{Ply: m.Ply, Kind: ClipMate, Label: m.SAN + " delivers mate"})
		case m.Capture == "q":
			out = append(out, model.Clip{Ply: m.Ply, Kind: ClipQueenTake, Label: m.SAN + " wins the queen"})
		case m.Promo != "":
			out = append(out, model.Clip{Ply: m.Ply, Kind: ClipPromotion, Label: m.SAN + " promotes"})
		case m.Attempts > 1:
			out = append(out, model.Clip{Ply: m.Ply, Kind: ClipRetry, Label: fmt.Sprintf("%s after %d tries", m.SAN, m.Attempts)})
		case m.Check:
			out = append(out, model.Clip{Ply: m.Ply, Kind: ClipCheck, Label: m.SAN + " with check"})
		}
	}
	return top(out)
}

// RoundClips flags silent rounds in prompt arenas.
func RoundClips(rounds []model.Round) []model.Clip {
	var out []model.Clip
	for _, r := range rounds {
		for _, resp := range r.Responses {
			if resp.NoResponse {
				out = append(out, model.Clip{Ply: r.Number, Kind: ClipSilence, Label: fmt.Sprintf("round %d: %s went quiet", r.Number, short(resp.AgentID))})
			}
		}
	}
	return top(out)
}

func top(cs []model.Clip) []model.Clip {
	if len(cs) <= maxClips {
		return cs
	}
	sort.SliceStable(cs, func(i, j int) bool { return weight[cs[i].Kind] > weight[cs[j].Kind] })
	cs = cs[:maxClips]
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Ply < cs[j].Ply })
	return cs
}

// Summarize writes the one-paragraph recap. names maps participants to
// display names; unknown ids fall back to a short id.
func Summarize(m model.Match, o model.Outcome, names map[uuid.UUID]string) string {
	name := func(id uuid.UUID) string {
		if n, ok := names[id]; ok && n != "" {
			return n
		}
		return short(id)
	}
	parts := make([]string, len(m.Participants))
	for i, p := range m.Participants {
		parts[i] = name(p)
	}
	field := strings.Join(parts, " vs ")

	var sb strings.Builder
	switch m.Arena {
	case model.ArenaChess:
		fmt.Fprintf(&sb, "%s over %d half-moves. ", field, len(m.Payload.Moves))
	default:
		fmt.Fprintf(&sb, "%s in a %s over %d round(s). ", field, strings.ReplaceAll(string(m.Arena), "_", " "), len(m.Payload.Rounds))
	}
	switch {
	case o.WinnerID != nil:
		fmt.Fprintf(&sb, "%s wins", name(*o.WinnerID))
	default:
		sb.WriteString("It ends level")
	}
	if o.Reason != "" {
		fmt.Fprintf(&sb, " by %s", o.Reason)
	}
	sb.WriteString(".")
	if n := len(m.Payload.Failures); n > 0 {
		fmt.Fprintf(&sb, " %d move request(s) were rejected along the way.", n)
	}
	return sb.String()
}

// Build assembles highlights for a finished match.
func Build(m model.Match, o model.Outcome, names map[uuid.UUID]string) model.Highlights {
	var clips []model.Clip
	if m.Arena.TurnBased() {
		clips = Clips(m.Payload.Moves, o.Reason == "checkmate")
	} else {
		clips = RoundClips(m.Payload.Rounds)
	}
	return model.Highlights{Summary: Summarize(m, o, names), Clips: clips}
}

// Store is where highlights are read from and written to.
type Store interface {
	GetMatch(ctx context.Context, id uuid.UUID) (model.Match, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	SaveHighlights(ctx context.Context, id uuid.UUID, h model.Highlights) error
}

// Run builds and stores highlights for a match.
func Run(ctx context.Context, st Store, matchID uuid.UUID, o model.Outcome) error {
	m, err := st.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	names := map[uuid.UUID]string{}
	for _, p := range m.Participants {
		if a, err := st.GetAgent(ctx, p); err == nil {
			names[p] = a.Name
		}
	}
	return st.SaveHighlights(ctx, matchID, Build(m, o, names))
}

func short(id uuid.UUID) string { return id.String()[:8] }
