package engine

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Game-end methods as stored on the match payload.
const (
	MethodCheckmate    = "checkmate"
	MethodStalemate    = "stalemate"
	MethodRepetition   = "threefold repetition"
	MethodInsufficient = "insufficient material"
	MethodFiftyMove    = "fifty-move rule"
	MethodMaxPlies     = "max half-moves"
	MethodForfeit      = "forfeit"
)

// Played describes an applied move.
type Played struct {
	SAN     string `json:"san"`
	UCI     string `json:"uci"`
	FEN     string `json:"fen"`
	Color   Color  `json:"color"`
	Check   bool   `json:"check,omitempty"`
	Mate    bool   `json:"mate,omitempty"`
	Capture string `json:"capture,omitempty"` // captured piece letter
	Promo   string `json:"promotion,omitempty"`
}

type Result struct {
	Over   bool   `json:"over"`
	Winner Color  `json:"winner,omitempty"` // empty on a draw
	Method string `json:"method,omitempty"`
	Score  string `json:"score"`
}

// Draw reports a finished game without a winner.
func (r Result) Draw() bool { return r.Over && r.Winner == "" }
