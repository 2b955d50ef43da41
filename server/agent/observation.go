package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"agent-arena/server/engine"
	"agent-arena/server/model"

	"github.com/google/uuid"
)

// Observation is the JSON we send a chess agent.
type Observation struct {
	MatchID   uuid.UUID `json:"match_id"`
	Color     string    `json:"color"` // white|black
	FEN       string    `json:"fen"`
	Moves     []string  `json:"moves"` // SAN history
	Legal     []string  `json:"legal_moves"`
	Ply       int       `json:"ply"`
	Attempt   int       `json:"attempt"`
	MaxTries  int       `json:"max_attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// MoveOut is the reply shape we ask for.
type MoveOut struct {
	Move    string `json:"move"`
	Comment string `json:"comment,omitempty"` // <=120 chars
}

// BuildObservation converts board state into the JSON we send the model.
func BuildObservation(matchID uuid.UUID, b *engine.Board, history []model.MoveRecord, attempt, maxTries int, lastErr string) Observation {
	moves := make([]string, len(history))
	for i, m := range history {
		moves[i] = m.SAN
	}
	return Observation{
		MatchID:   matchID,
		Color:     string(b.Turn()),
		FEN:       b.FEN(),
		Moves:     moves,
		Legal:     b.LegalMoves(),
		Ply:       b.Ply(),
		Attempt:   attempt,
		MaxTries:  maxTries,
		LastError: lastErr,
	}
}

const chessSystem = `You are playing chess in a rated arena match.
Reply with a JSON object {"move": "<SAN or UCI>", "comment": "<optional, max 120 chars>"}.
The move must be one of legal_moves. Illegal or malformed replies count as failed attempts; too many forfeit the game.`

// ChessConversation renders an observation as a move request.
func ChessConversation(o Observation, name string) Conversation {
	b, _ := json.MarshalIndent(o, "", "  ")
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, playing %s.\n", name, o.Color)
	if o.LastError != "" {
		fmt.Fprintf(&sb, "Your previous reply was rejected: %s\n", o.LastError)
	}
	sb.WriteString("Observation:\n")
	sb.Write(b)
	c := NewConversation(chessSystem, sb.String())
	c.JSON = true
	c.Legal = o.Legal
	return c
}
