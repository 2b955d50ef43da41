package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// ErrIllegalMove is returned for moves that do not match any legal move.
var ErrIllegalMove = errors.New("illegal move")

// Board is one chess game. It is not safe for concurrent use.
type Board struct {
	g        *chess.Game
	maxPlies int
	claimed  string
}

// NewBoard starts from the initial position. maxPlies <= 0 disables the
// half-move cap.
func NewBoard(maxPlies int) *Board {
	return &Board{g: chess.NewGame(), maxPlies: maxPlies}
}

func FromFEN(fen string, maxPlies int) (*Board, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("bad fen: %w", err)
	}
	return &Board{g: chess.NewGame(opt), maxPlies: maxPlies}, nil
}

func (b *Board) FEN() string { return b.g.FEN() }

func (b *Board) Turn() Color {
	if b.g.Position().Turn() == chess.White {
		return White
	}
	return Black
}

// Ply is the number of half-moves played on this board.
func (b *Board) Ply() int { return len(b.g.Moves()) }

// LegalMoves lists the legal moves in SAN.
func (b *Board) LegalMoves() []string {
	pos := b.g.Position()
	moves := b.g.ValidMoves()
	out := make([]string, len(moves))
	for i, m := range moves {
		out[i] = chess.AlgebraicNotation{}.Encode(pos, m)
	}
	return out
}

// IsLegal reports whether input (SAN or UCI) names a legal move.
func (b *Board) IsLegal(input string) bool {
	_, err := b.resolve(input)
	return err == nil
}

func (b *Board) resolve(input string) (*chess.Move, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrIllegalMove)
	}
	if b.Result().Over {
		return nil, fmt.Errorf("%w: game is over", ErrIllegalMove)
	}
	san := normSAN(raw)
	uci := strings.ToLower(strings.NewReplacer("-", "", "=", "").Replace(raw))
	pos := b.g.Position()
	for _, m := range b.g.ValidMoves() {
		if normSAN(chess.AlgebraicNotation{}.Encode(pos, m)) == san {
			return m, nil
		}
		if (chess.UCINotation{}).Encode(pos, m) == uci {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrIllegalMove, raw)
}

// Apply validates and plays input, returning what happened.
func (b *Board) Apply(input string) (Played, error) {
	m, err := b.resolve(input)
	if err != nil {
		return Played{}, err
	}
	pos := b.g.Position()
	p := Played{
		SAN:   chess.AlgebraicNotation{}.Encode(pos, m),
		UCI:   chess.UCINotation{}.Encode(pos, m),
		Color: b.Turn(),
		Check: m.HasTag(chess.Check),
	}
	if m.HasTag(chess.Capture) {
		if m.HasTag(chess.EnPassant) {
			p.Capture = "p"
		} else {
			p.Capture = pos.Board().Piece(m.S2()).Type().String()
		}
	}
	if m.Promo() != chess.NoPieceType {
		p.Promo = m.Promo().String()
	}
	if err := b.g.Move(m); err != nil {
		return Played{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	b.settle()
	p.FEN = b.g.FEN()
	p.Mate = b.g.Method() == chess.Checkmate
	return p, nil
}

// settle claims draws the library leaves to the players.
func (b *Board) settle() {
	if b.g.Outcome() != chess.NoOutcome {
		return
	}
	for _, d := range b.g.EligibleDraws() {
		if d == chess.ThreefoldRepetition {
			if err := b.g.Draw(chess.ThreefoldRepetition); err == nil {
				return
			}
		}
	}
	if b.maxPlies > 0 && b.Ply() >= b.maxPlies {
		b.claimed = MethodMaxPlies
	}
}

// Result is the game state after the last move.
func (b *Board) Result() Result {
	if b.claimed != "" {
		return Result{Over: true, Method: b.claimed, Score: "1/2-1/2"}
	}
	o := b.g.Outcome()
	if o == chess.NoOutcome {
		return Result{Score: "*"}
	}
	r := Result{Over: true, Method: methodName(b.g.Method()), Score: o.String()}
	switch o {
	case chess.WhiteWon:
		r.Winner = White
	case chess.BlackWon:
		r.Winner = Black
	}
	return r
}

func methodName(m chess.Method) string {
	switch m {
	case chess.Checkmate:
		return MethodCheckmate
	case chess.Stalemate:
		return MethodStalemate
	case chess.ThreefoldRepetition, chess.FivefoldRepetition:
		return MethodRepetition
	case chess.InsufficientMaterial:
		return MethodInsufficient
	case chess.FiftyMoveRule, chess.SeventyFiveMoveRule:
		return MethodFiftyMove
	default:
		return strings.ToLower(m.String())
	}
}

func normSAN(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "+#!?")
	s = strings.ReplaceAll(s, "=", "")
	s = strings.TrimSuffix(s, "e.p.")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0-0") {
		s = strings.ReplaceAll(s, "0", "O")
	}
	return s
}
