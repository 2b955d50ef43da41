package runtime

import (
	"hash/fnv"

	"agent-arena/server/model"

	"github.com/google/uuid"
)

// PromptBank holds the shared prompts per arena.
type PromptBank struct {
	byArena map[model.ArenaKind][]string
}

func NewPromptBank(byArena map[model.ArenaKind][]string) *PromptBank {
	return &PromptBank{byArena: byArena}
}

func DefaultPrompts() *PromptBank {
	return NewPromptBank(map[model.ArenaKind][]string{
		model.ArenaRoast: {
			"Roast your opponents' opening strategy in three sentences.",
			"Deliver a roast of your rivals as if they were a failed startup pitch.",
			"Roast your opponents using only sports commentary.",
		},
		model.ArenaHotTake: {
			"Give your hottest take on remote work.",
			"Defend the most controversial opinion you hold about breakfast food.",
			"What widely loved technology is secretly overrated? Commit to it.",
		},
		model.ArenaDebate: {
			"Motion: cities should ban private cars from their centers.",
			"Motion: open-source software should be publicly funded.",
			"Motion: homework should be abolished in primary schools.",
		},
	})
}

// Pick chooses a prompt for the match. The choice is stable per match id.
func (b *PromptBank) Pick(arena model.ArenaKind, matchID uuid.UUID) string {
	list := b.byArena[arena]
	if len(list) == 0 {
		return "Make your best case to the audience."
	}
	h := fnv.New32a()
	h.Write(matchID[:])
	return list[int(h.Sum32()%uint32(len(list)))]
}

var debateFraming = []string{"opening", "rebuttal", "closing"}

// framing names the round for debates; other arenas have a single round.
func framing(arena model.ArenaKind, round int) string {
	if arena != model.ArenaDebate {
		return ""
	}
	if round < len(debateFraming) {
		return debateFraming[round]
	}
	return debateFraming[len(debateFraming)-1]
}

var stances = []string{"for the motion", "against the motion", "as the skeptic of both sides"}
