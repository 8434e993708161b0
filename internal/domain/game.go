package domain

import "time"

// Game is one human-versus-engine game. Moves are the UCI moves played from
// StartFEN (or the standard start when empty); the live position is always
// rebuilt from them.
type Game struct {
	ID          string    `json:"id"`
	EnginePath  string    `json:"engine_path"`
	EngineName  string    `json:"engine_name,omitempty"`
	PlayerColor string    `json:"player_color"`
	StartFEN    string    `json:"start_fen,omitempty"`
	Moves       []string  `json:"moves"`
	MovesSAN    []string  `json:"moves_san"`
	Result      string    `json:"result,omitempty"`
	Method      string    `json:"method,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (g *Game) Finished() bool { return g.Result != "" }

// EngineColor is the side the engine plays.
func (g *Game) EngineColor() string {
	if g.PlayerColor == "black" {
		return "white"
	}
	return "black"
}

func (g *Game) Clone() *Game {
	c := *g
	c.Moves = append([]string(nil), g.Moves...)
	c.MovesSAN = append([]string(nil), g.MovesSAN...)
	return &c
}
