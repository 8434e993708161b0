package enginedto

type NewGameRequest struct {
	EnginePath  string `json:"engine_path"`
	PlayerColor string `json:"player_color"`
	FEN         string `json:"fen,omitempty"`
}

type MoveRequest struct {
	Move string `json:"move"`
}

type EngineStartRequest struct {
	Path string `json:"path"`
}

type EngineMoveRequest struct {
	FEN        string   `json:"fen,omitempty"`
	Moves      []string `json:"moves,omitempty"`
	MoveTimeMs int      `json:"movetime_ms,omitempty"`
}
