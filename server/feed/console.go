package feed

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"agent-arena/server/model"
)

// Console prints events to a terminal for the local duel mode.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out, color: os.Getenv("NO_COLOR") == ""}
}

func (c *Console) paint(code, s string) string {
	if !c.color {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func (c *Console) Publish(_ context.Context, e model.FeedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var line string
	switch e.Type {
	case model.EventMove:
		line = c.paint("2", "  "+e.Headline)
	case model.EventForfeit, model.EventAgentEliminated:
		line = c.paint("31", "✖ "+e.Headline)
	case model.EventMatchSettled, model.EventPoolSettled:
		line = c.paint("32", "✔ "+e.Headline)
	default:
		line = c.paint("1", "» "+strings.ReplaceAll(e.Type, "_", " ")+": "+e.Headline)
	}
	fmt.Fprintln(c.out, line)
}
