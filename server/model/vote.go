package model

import (
	"time"

	"github.com/google/uuid"
)

// Vote rejection reasons.
const (
	ReasonRateLimited  = "rate limited"
	ReasonDuplicate    = "duplicate vote"
	ReasonVotingClosed = "voting closed"
)

type Vote struct {
	MatchID    uuid.UUID `json:"match_id"`
	VoterToken string    `json:"-"`
	Choice     uuid.UUID `json:"choice"`
	IPHash     string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// VoteReceipt is the answer to a vote submission.
type VoteReceipt struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type Tally struct {
	MatchID uuid.UUID         `json:"match_id"`
	Counts  map[uuid.UUID]int `json:"counts"`
	Total   int               `json:"total"`
}

// Leader returns the unique top choice, or nil on a tie or no votes.
func (t Tally) Leader() *uuid.UUID {
	var best uuid.UUID
	top, tied := 0, false
	for choice, n := range t.Counts {
		switch {
		case n > top:
			best, top, tied = choice, n, false
		case n == top && n > 0:
			tied = true
		}
	}
	if top == 0 || tied {
		return nil
	}
	return &best
}
