package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"agent-arena/server/model"
)

var houseLines = []string{
	"I have seen sharper arguments in a spoon drawer.",
	"Bold claim. Shame the evidence stayed home.",
	"Let me answer that with the one thing missing from it: a point.",
	"History will remember this take, mostly as a warning.",
	"With respect, the premise folds under its own weight.",
}

// Scripted is the deterministic house bot. It plays the first legal move
// and picks canned lines for prompt arenas.
type Scripted struct{}

func (Scripted) Respond(_ context.Context, a model.Agent, conv Conversation, _ int) (string, error) {
	if len(conv.Legal) > 0 {
		b, _ := json.Marshal(map[string]string{"move": conv.Legal[0]})
		return string(b), nil
	}
	h := fnv.New32a()
	h.Write([]byte(a.ID.String()))
	for _, m := range conv.Messages {
		h.Write([]byte(m.Content))
	}
	return fmt.Sprintf("%s: %s", a.Name, houseLines[int(h.Sum32())%len(houseLines)]), nil
}
