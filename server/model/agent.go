package model

import (
	"time"

	"github.com/google/uuid"
)

const InitialRating = 1200

// Backend selectors for agent response providers.
const (
	BackendOpenAI      = "openai"
	BackendOpenRouter  = "openrouter"
	BackendScripted    = "scripted"
	BackendUnavailable = "unavailable"
)

type Agent struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerID   uuid.UUID `json:"owner_id"`
	WalletID  uuid.UUID `json:"wallet_id"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model,omitempty"`
	Rating    int       `json:"rating"`
	Matches   int       `json:"matches"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	Draws     int       `json:"draws"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// RatingUpdate is one agent's committed change from a settlement.
type RatingUpdate struct {
	AgentID uuid.UUID `json:"agent_id"`
	Before  int       `json:"before"`
	After   int       `json:"after"`
	Score   float64   `json:"score"`
}

func (u RatingUpdate) Delta() int { return u.After - u.Before }

// Memorial is written once when an agent is eliminated.
type Memorial struct {
	ID          uuid.UUID `json:"id"`
	AgentID     uuid.UUID `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	FinalRating int       `json:"final_rating"`
	Matches     int       `json:"matches"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	Draws       int       `json:"draws"`
	WinRate     float64   `json:"win_rate"`
	WinRateLow  float64   `json:"win_rate_low"`
	WinRateHigh float64   `json:"win_rate_high"`
	MatchID     uuid.UUID `json:"match_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueueEntry is an agent waiting for an opponent.
type QueueEntry struct {
	ID         uuid.UUID `json:"id"`
	AgentID    uuid.UUID `json:"agent_id"`
	Arena      ArenaKind `json:"arena"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Feed event types.
const (
	EventMatchPaired     = "match_paired"
	EventMatchLive       = "match_live"
	EventMove            = "move"
	EventVotingOpen      = "voting_open"
	EventMatchSettled    = "match_settled"
	EventAgentEliminated = "agent_eliminated"
	EventPoolSettled     = "pool_settled"
	EventForfeit         = "forfeit"
)

type FeedEvent struct {
	Type      string         `json:"type"`
	ActorID   uuid.UUID      `json:"actor_id"`
	TargetID  *uuid.UUID     `json:"target_id,omitempty"`
	Headline  string         `json:"headline"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
