package rating

import (
	"math"

	"agent-arena/server/model"

	"github.com/google/uuid"
)

type KPolicy string

const (
	KFixed  KPolicy = "fixed"
	KAnneal KPolicy = "anneal"
)

// Calculator applies Elo updates. The zero value is not usable; use New.
type Calculator struct {
	K      float64
	Policy KPolicy
	Floor  int
}

func New(k float64, policy KPolicy, floor int) Calculator {
	if k <= 0 {
		k = 32
	}
	if policy != KAnneal {
		policy = KFixed
	}
	return Calculator{K: k, Policy: policy, Floor: floor}
}

// Expected is the expected score of a rated ra against rb.
func Expected(ra, rb int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(rb-ra)/400.0))
}

func (c Calculator) kFor(matches int) float64 {
	if c.Policy == KAnneal {
		return c.K * decay(matches)
	}
	return c.K
}

// Entrant is a participant's pre-match state.
type Entrant struct {
	ID      uuid.UUID
	Rating  int
	Matches int
}

// Pair returns the raw (unrounded) deltas for a against b given a's score.
func (c Calculator) Pair(a, b Entrant, sa float64) (dA, dB float64) {
	ea := Expected(a.Rating, b.Rating)
	dA = c.kFor(a.Matches) * (sa - ea)
	dB = c.kFor(b.Matches) * ((1 - sa) - (1 - ea))
	return dA, dB
}

// Batch computes every pairwise update from pre-match ratings and returns
// one update per entrant, in entrant order.
func (c Calculator) Batch(entrants []Entrant, o model.Outcome) []model.RatingUpdate {
	deltas := make([]float64, len(entrants))
	for i := 0; i < len(entrants); i++ {
		for j := i + 1; j < len(entrants); j++ {
			s := o.PairScore(entrants[i].ID, entrants[j].ID)
			dA, dB := c.Pair(entrants[i], entrants[j], s)
			deltas[i] += dA
			deltas[j] += dB
		}
	}
	out := make([]model.RatingUpdate, len(entrants))
	for i, e := range entrants {
		after := e.Rating + int(math.Round(deltas[i]))
		if after < c.Floor {
			after = c.Floor
		}
		out[i] = model.RatingUpdate{
			AgentID: e.ID,
			Before:  e.Rating,
			After:   after,
			Score:   o.Score(e.ID),
		}
	}
	return out
}

func decay(games int) float64 {
	return 1.0 / (1.0 + 0.01*float64(games)) // slow anneal over matches
}
