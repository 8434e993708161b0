package enginedto

import (
	"time"

	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/internal/service/game"
)

// NewGameResponse is the game state plus the engine's opening move when the
// engine plays white.
type NewGameResponse struct {
	game.State
	Engine *game.Reply `json:"engine,omitempty"`
}

type EngineMoveResponse struct {
	Move       string              `json:"move"`
	SAN        string              `json:"san"`
	Ponder     string              `json:"ponder,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	Progress   *uci.SearchProgress `json:"progress,omitempty"`
}

type EngineStatus struct {
	Path    string           `json:"path,omitempty"`
	State   string           `json:"state"`
	Name    string           `json:"name,omitempty"`
	Author  string           `json:"author,omitempty"`
	Options []uci.OptionDecl `json:"options,omitempty"`
}

type HealthResponse struct {
	Status string       `json:"status"`
	Engine EngineStatus `json:"engine"`
}

// ProgressFrame is one websocket message of the progress stream.
type ProgressFrame struct {
	Seq      uint64             `json:"seq"`
	At       time.Time          `json:"at"`
	Progress uci.SearchProgress `json:"progress"`
}
