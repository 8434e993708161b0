package gamestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-uci/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS engine_games (
    game_id       TEXT PRIMARY KEY,
    engine_path   TEXT NOT NULL,
    engine_name   TEXT NOT NULL DEFAULT '',
    player_color  TEXT NOT NULL,
    start_fen     TEXT NOT NULL DEFAULT '',
    result        TEXT NOT NULL,
    result_method TEXT NOT NULL DEFAULT '',
    moves_uci     JSONB NOT NULL,
    moves_san     JSONB NOT NULL,
    pgn           TEXT NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT NOT NULL
)`

// Archive records finished games in PostgreSQL.
type Archive struct {
	db *sql.DB
}

func NewArchive(ctx context.Context, databaseURL string) (*Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(pingCtx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// SaveGame upserts a finished game with its PGN.
func (a *Archive) SaveGame(ctx context.Context, g *domain.Game) error {
	if a == nil || a.db == nil || g == nil {
		return nil
	}

	movesUCI, err := json.Marshal(g.Moves)
	if err != nil {
		return fmt.Errorf("marshal moves_uci: %w", err)
	}
	movesSAN, err := json.Marshal(g.MovesSAN)
	if err != nil {
		return fmt.Errorf("marshal moves_san: %w", err)
	}
	duration := g.UpdatedAt.Sub(g.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	const q = `INSERT INTO engine_games (
        game_id, engine_path, engine_name, player_color, start_fen,
        result, result_method, moves_uci, moves_san, pgn,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
      ) ON CONFLICT (game_id) DO UPDATE SET
        result=EXCLUDED.result,
        result_method=EXCLUDED.result_method,
        moves_uci=EXCLUDED.moves_uci,
        moves_san=EXCLUDED.moves_san,
        pgn=EXCLUDED.pgn,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

	_, err = a.db.ExecContext(ctx, q,
		g.ID, g.EnginePath, g.EngineName, g.PlayerColor, g.StartFEN,
		g.Result, g.Method, string(movesUCI), string(movesSAN), BuildPGN(g),
		g.CreatedAt, g.UpdatedAt, duration,
	)
	if err != nil {
		return fmt.Errorf("archive game %s: %w", g.ID, err)
	}
	return nil
}

func mapResultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders the game's SAN moves with the seven-tag roster plus
// SetUp/FEN when the game did not start from the initial position.
func BuildPGN(g *domain.Game) string {
	if g == nil {
		return ""
	}
	result := mapResultToPGN(g.Result)
	date := g.UpdatedAt
	if date.IsZero() {
		date = time.Now()
	}
	engine := g.EngineName
	if strings.TrimSpace(engine) == "" {
		engine = "Engine"
	}
	white, black := "Player", engine
	if g.PlayerColor == "black" {
		white, black = engine, "Player"
	}

	var b strings.Builder
	b.WriteString("[Event \"Engine game\"]\n")
	b.WriteString("[Site \"cheese-uci\"]\n")
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	b.WriteString("[Round \"-\"]\n")
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(white))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(black))
	fmt.Fprintf(&b, "[Result \"%s\"]\n", result)
	if fen := strings.TrimSpace(g.StartFEN); fen != "" {
		b.WriteString("[SetUp \"1\"]\n")
		fmt.Fprintf(&b, "[FEN \"%s\"]\n", sanitizePGN(fen))
	}
	if strings.TrimSpace(g.Method) != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(g.Method)))
	}
	b.WriteString("\n")

	// a game set up with black to move opens with "1..."
	first, offset := 1, 0
	if fen := strings.Fields(g.StartFEN); len(fen) >= 6 {
		if _, err := fmt.Sscanf(fen[5], "%d", &first); err != nil || first < 1 {
			first = 1
		}
		if fen[1] == "b" {
			offset = 1
		}
	}
	for i, san := range g.MovesSAN {
		ply := i + offset
		switch {
		case ply%2 == 0:
			fmt.Fprintf(&b, "%d. %s ", first+ply/2, strings.TrimSpace(san))
		case i == 0:
			fmt.Fprintf(&b, "%d... %s ", first+ply/2, strings.TrimSpace(san))
		default:
			b.WriteString(strings.TrimSpace(san))
			b.WriteString(" ")
		}
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
