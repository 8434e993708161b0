package chess

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var (
	ErrInvalidPosition = errors.New("invalid chess position")
	ErrIllegalMove     = errors.New("illegal chess move")
	ErrGameOver        = errors.New("chess game already finished")
)

// Replay builds a game from an optional FEN and a list of UCI moves. Every
// move must be legal in the position it is played from.
func Replay(fen string, moves []string) (*nchess.Game, error) {
	var opts []func(*nchess.Game)
	if fen = strings.TrimSpace(fen); fen != "" && fen != "startpos" {
		opt, err := nchess.FEN(fen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
		}
		opts = append(opts, opt)
	}
	game := nchess.NewGame(opts...)

	notation := nchess.UCINotation{}
	for i, mv := range moves {
		text := strings.ToLower(strings.TrimSpace(mv))
		move, err := notation.Decode(game.Position(), text)
		if err != nil {
			return nil, fmt.Errorf("%w: move %d %q: %v", ErrInvalidPosition, i+1, mv, err)
		}
		if !isLegal(game, text) {
			return nil, fmt.Errorf("%w: move %d %q is illegal", ErrInvalidPosition, i+1, mv)
		}
		if err := game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("%w: move %d %q: %v", ErrInvalidPosition, i+1, mv, err)
		}
	}
	return game, nil
}

// DecodeMove accepts SAN ("Nf3") or UCI ("g1f3") for the side to move and
// returns the canonical UCI and SAN spellings.
func DecodeMove(game *nchess.Game, text string) (*nchess.Move, string, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", "", fmt.Errorf("%w: empty move", ErrIllegalMove)
	}
	pos := game.Position()
	san := nchess.AlgebraicNotation{}
	uci := nchess.UCINotation{}

	move, err := san.Decode(pos, text)
	if err != nil {
		move, err = uci.Decode(pos, strings.ToLower(text))
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %s", ErrIllegalMove, text)
	}
	uciText := strings.ToLower(uci.Encode(pos, move))
	if !isLegal(game, uciText) {
		return nil, "", "", fmt.Errorf("%w: %s", ErrIllegalMove, text)
	}
	return move, uciText, san.Encode(pos, move), nil
}

// Finished reports whether the game has an outcome.
func Finished(game *nchess.Game) bool {
	return game.Outcome() != nchess.NoOutcome
}

// Result maps the game outcome to "white", "black", "draw" or "".
func Result(game *nchess.Game) string {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return "white"
	case nchess.BlackWon:
		return "black"
	case nchess.Draw:
		return "draw"
	default:
		return ""
	}
}

func Method(game *nchess.Game) string {
	return strings.ToLower(game.Method().String())
}

// Turn is "white" or "black".
func Turn(game *nchess.Game) string {
	if game.Position().Turn() == nchess.White {
		return "white"
	}
	return "black"
}

func isLegal(game *nchess.Game, uciMove string) bool {
	for _, mv := range game.ValidMoves() {
		if mv.String() == uciMove {
			return true
		}
	}
	return false
}
