package model

import (
	"fmt"
	"strings"
	"time"

	"agent-arena/server/errs"

	"github.com/google/uuid"
)

// ── Enums ────────────────────────────────────────────

type ArenaKind string

const (
	ArenaChess   ArenaKind = "chess"
	ArenaRoast   ArenaKind = "roast"
	ArenaHotTake ArenaKind = "hot_take"
	ArenaDebate  ArenaKind = "debate"
)

var arenas = []ArenaKind{ArenaChess, ArenaRoast, ArenaHotTake, ArenaDebate}

// ParseArena validates an arena name coming from a caller.
func ParseArena(s string) (ArenaKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	for _, a := range arenas {
		if string(a) == s {
			return a, nil
		}
	}
	return "", errs.Validation(errs.CodeUnknownArena, fmt.Sprintf("unknown arena type %q", s))
}

// TurnBased reports whether the arena is decided by a game rather than votes.
func (a ArenaKind) TurnBased() bool { return a == ArenaChess }

func (a ArenaKind) MaxParticipants() int {
	if a.TurnBased() {
		return 2
	}
	return 3
}

type Status string

const (
	StatusQueued   Status = "queued"
	StatusPaired   Status = "paired"
	StatusLive     Status = "live"
	StatusVoting   Status = "voting"
	StatusSettling Status = "settling"
	StatusSettled  Status = "settled"
)

// Terminal statuses no longer accept bets or votes.
func (s Status) Terminal() bool { return s == StatusSettling || s == StatusSettled }

// SettleSource is the only status a match may leave for settling.
// A runtime-supplied outcome (game result, or an early no-winner prompt
// match) settles from live; a vote-derived outcome settles from voting.
func SettleSource(arena ArenaKind, hasOutcome bool) (Status, error) {
	switch {
	case hasOutcome:
		return StatusLive, nil
	case arena.TurnBased():
		return "", errs.State(errs.CodeInvalidTransition, "a game match settles only from its game result")
	default:
		return StatusVoting, nil
	}
}

// ── Match ────────────────────────────────────────────

type Match struct {
	ID             uuid.UUID   `json:"id"`
	Arena          ArenaKind   `json:"arena"`
	Participants   []uuid.UUID `json:"participants"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	VotingDeadline *time.Time  `json:"voting_deadline,omitempty"`
	Outcome        *Outcome    `json:"outcome,omitempty"`
	Payload        Payload     `json:"payload"`
	Highlights     *Highlights `json:"highlights,omitempty"`
	SettledAt      *time.Time  `json:"settled_at,omitempty"`
}

// NewMatch validates participants for the arena and returns a paired match.
func NewMatch(arena ArenaKind, participants []uuid.UUID, now time.Time) (Match, error) {
	if len(participants) < 2 || len(participants) > arena.MaxParticipants() {
		return Match{}, errs.Validation(errs.CodeBadParticipants, "wrong number of participants for "+string(arena))
	}
	seen := map[uuid.UUID]bool{}
	for _, p := range participants {
		if p == uuid.Nil || seen[p] {
			return Match{}, errs.Validation(errs.CodeBadParticipants, "participants must be distinct agents")
		}
		seen[p] = true
	}
	return Match{
		ID:           uuid.New(),
		Arena:        arena,
		Participants: append([]uuid.UUID(nil), participants...),
		Status:       StatusPaired,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (m Match) HasParticipant(id uuid.UUID) bool {
	for _, p := range m.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Opponent returns the other side of a two-player match.
func (m Match) Opponent(id uuid.UUID) uuid.UUID {
	for _, p := range m.Participants {
		if p != id {
			return p
		}
	}
	return uuid.Nil
}

// Outcome is the result handed to settlement.
type Outcome struct {
	WinnerID *uuid.UUID `json:"winner_id,omitempty"`
	Draw     bool       `json:"draw"`
	Reason   string     `json:"reason,omitempty"`
}

func Win(id uuid.UUID, reason string) *Outcome { return &Outcome{WinnerID: &id, Reason: reason} }
func Drawn(reason string) *Outcome             { return &Outcome{Draw: true, Reason: reason} }

// Score returns the observed score for a participant (1, 0 or 0.5).
func (o Outcome) Score(id uuid.UUID) float64 {
	if o.Draw || o.WinnerID == nil {
		return 0.5
	}
	if *o.WinnerID == id {
		return 1
	}
	return 0
}

// PairScore is the pairwise score of a against b. In a three-way match the
// two non-winners split their pairing.
func (o Outcome) PairScore(a, b uuid.UUID) float64 {
	if o.Draw || o.WinnerID == nil {
		return 0.5
	}
	switch *o.WinnerID {
	case a:
		return 1
	case b:
		return 0
	default:
		return 0.5
	}
}

// ── Payload ──────────────────────────────────────────

type Payload struct {
	// chess
	FEN      string       `json:"fen,omitempty"`
	Moves    []MoveRecord `json:"moves,omitempty"`
	Result   string       `json:"result,omitempty"`
	Method   string       `json:"method,omitempty"`
	Failures []Attempt    `json:"failures,omitempty"`

	// prompt arenas
	Prompt string  `json:"prompt,omitempty"`
	Rounds []Round `json:"rounds,omitempty"`
}

type MoveRecord struct {
	Ply      int       `json:"ply"`
	AgentID  uuid.UUID `json:"agent_id"`
	SAN      string    `json:"san"`
	UCI      string    `json:"uci"`
	FEN      string    `json:"fen"`
	Attempts int       `json:"attempts"`
	Check    bool      `json:"check,omitempty"`
	Capture  string    `json:"capture,omitempty"`
	Promo    string    `json:"promotion,omitempty"`
}

// Attempt is one rejected move request.
type Attempt struct {
	Ply     int       `json:"ply"`
	AgentID uuid.UUID `json:"agent_id"`
	Raw     string    `json:"raw,omitempty"`
	Error   string    `json:"error"`
}

type Round struct {
	Number    int        `json:"number"`
	Framing   string     `json:"framing,omitempty"`
	Responses []Response `json:"responses"`
}

// Response is one agent's answer to a round. NoResponse marks a provider
// failure or timeout.
type Response struct {
	AgentID    uuid.UUID `json:"agent_id"`
	Text       string    `json:"text,omitempty"`
	NoResponse bool      `json:"no_response,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Highlights is the best-effort post-match material.
type Highlights struct {
	Summary string `json:"summary"`
	Clips   []Clip `json:"clips,omitempty"`
}

type Clip struct {
	Ply   int    `json:"ply"`
	Kind  string `json:"kind"`
	Label string `json:"label"`
}

// MatchFilter drives cursor-paginated listing. Rows come newest first; the
// cursor is the (Before, BeforeID) pair of the last row seen. A zero BeforeID
// compares on the timestamp alone.
type MatchFilter struct {
	Status   Status
	Arena    ArenaKind
	Before   time.Time
	BeforeID uuid.UUID
	Limit    int
}
