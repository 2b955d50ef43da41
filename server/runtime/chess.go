package runtime

import (
	"context"
	"fmt"
	"log"

	"agent-arena/server/agent"
	"agent-arena/server/engine"
	"agent-arena/server/model"
)

func (r *Runner) playChess(ctx context.Context, m model.Match) (Report, error) {
	board := engine.NewBoard(r.cfg.MaxPlies)
	m.Payload.FEN = board.FEN()
	names := r.names(ctx, m.Participants)
	white, black := m.Participants[0], m.Participants[1]

	var outcome *model.Outcome
	for !board.Result().Over {
		if err := ctx.Err(); err != nil {
			return Report{MatchID: m.ID, Status: model.StatusLive}, err
		}
		mover := white
		if board.Turn() == engine.Black {
			mover = black
		}
		ply := board.Ply() + 1

		var (
			played  engine.Played
			lastErr string
			ok      bool
			attempt int
		)
		for attempt = 1; attempt <= r.cfg.MaxAttempts; attempt++ {
			obs := agent.BuildObservation(m.ID, board, m.Payload.Moves, attempt, r.cfg.MaxAttempts, lastErr)
			raw, err := r.ask(ctx, mover, agent.ChessConversation(obs, names[mover]), r.cfg.MoveTimeout)
			if err == nil {
				var mv string
				if mv, err = agent.ParseMove(raw); err == nil {
					played, err = board.Apply(mv)
				}
			}
			if err == nil {
				ok = true
				break
			}
			lastErr = err.Error()
			m.Payload.Failures = append(m.Payload.Failures, model.Attempt{Ply: ply, AgentID: mover, Raw: clip(raw, 200), Error: lastErr})
			log.Printf("[chess] match %s ply %d %s attempt %d: %v", m.ID, ply, names[mover], attempt, err)
		}
		if !ok {
			outcome = model.Win(m.Opponent(mover), engine.MethodForfeit)
			m.Payload.Result = forfeitScore(mover == white)
			m.Payload.Method = engine.MethodForfeit
			r.feed.Publish(ctx, model.FeedEvent{
				Type:      model.EventForfeit,
				ActorID:   mover,
				TargetID:  &m.ID,
				Headline:  fmt.Sprintf("%s forfeits after %d failed attempts", names[mover], r.cfg.MaxAttempts),
				CreatedAt: r.now(),
			})
			break
		}

		rec := model.MoveRecord{
			Ply:      ply,
			AgentID:  mover,
			SAN:      played.SAN,
			UCI:      played.UCI,
			FEN:      played.FEN,
			Attempts: attempt,
			Check:    played.Check,
			Capture:  played.Capture,
			Promo:    played.Promo,
		}
		m.Payload.Moves = append(m.Payload.Moves, rec)
		m.Payload.FEN = played.FEN
		if err := r.store.SaveMatchPayload(ctx, m.ID, m.Payload); err != nil {
			log.Printf("[chess] match %s save ply %d: %v", m.ID, ply, err)
		}
		r.feed.Publish(ctx, model.FeedEvent{
			Type:      model.EventMove,
			ActorID:   mover,
			TargetID:  &m.ID,
			Headline:  fmt.Sprintf("%d. %s %s", (ply+1)/2, names[mover], played.SAN),
			Metadata:  map[string]any{"ply": ply, "san": played.SAN, "uci": played.UCI, "fen": played.FEN},
			CreatedAt: r.now(),
		})
	}

	if outcome == nil {
		res := board.Result()
		m.Payload.Result = res.Score
		m.Payload.Method = res.Method
		switch res.Winner {
		case engine.White:
			outcome = model.Win(white, res.Method)
		case engine.Black:
			outcome = model.Win(black, res.Method)
		default:
			outcome = model.Drawn(res.Method)
		}
	}
	if err := r.store.SaveMatchPayload(ctx, m.ID, m.Payload); err != nil {
		log.Printf("[chess] match %s save final payload: %v", m.ID, err)
	}
	return r.settle(ctx, m, outcome)
}

func forfeitScore(whiteForfeits bool) string {
	if whiteForfeits {
		return "0-1"
	}
	return "1-0"
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
