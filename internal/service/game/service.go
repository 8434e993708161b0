package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	corechess "github.com/park285/cheese-uci/internal/chess"
	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/internal/domain"
	"github.com/park285/cheese-uci/internal/gamestore"
)

var (
	ErrGameNotFound  = gamestore.ErrGameNotFound
	ErrInvalidColor  = errors.New("player color must be white or black")
	ErrNotPlayerTurn = errors.New("not the player's turn")
	ErrNoEnginePath  = errors.New("engine path required")
)

// Engine is the engine facade the service drives.
type Engine interface {
	Start(ctx context.Context, path string) (uci.EngineInfo, error)
	EnsureStarted(ctx context.Context, path string) (uci.EngineInfo, error)
	Evaluate(ctx context.Context, req corechess.EvaluateRequest) (corechess.EvaluateResult, error)
}

type Store interface {
	Save(ctx context.Context, g *domain.Game) error
	Load(ctx context.Context, id string) (*domain.Game, error)
}

// Archive receives finished games. It may be nil.
type Archive interface {
	SaveGame(ctx context.Context, g *domain.Game) error
}

type Config struct {
	DefaultEnginePath string
	MoveTime          time.Duration
}

// Service runs human-versus-engine games. The engine is a single shared
// process, so engine turns are taken one at a time across all games. A new
// game always starts a fresh engine; a later turn in an older game brings
// back that game's engine first.
type Service struct {
	engine  Engine
	store   Store
	archive Archive
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	turnMu sync.Mutex
}

type NewGameRequest struct {
	EnginePath  string
	PlayerColor string
	FEN         string
}

// State is a game together with its derived position.
type State struct {
	Game *domain.Game `json:"game"`
	FEN  string       `json:"fen"`
	Turn string       `json:"turn"`
}

// Reply is the engine's answer within a turn.
type Reply struct {
	Move     string              `json:"move"`
	SAN      string              `json:"san"`
	Ponder   string              `json:"ponder,omitempty"`
	Progress *uci.SearchProgress `json:"progress,omitempty"`
}

type MoveSummary struct {
	PlayerMove string `json:"player_move"`
	PlayerSAN  string `json:"player_san"`
	Engine     *Reply `json:"engine,omitempty"`
	State      State  `json:"state"`
}

func NewService(engine Engine, store Store, archive Archive, cfg Config, logger *zap.Logger) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if store == nil {
		return nil, fmt.Errorf("game store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MoveTime <= 0 {
		cfg.MoveTime = corechess.DefaultMoveTime
	}
	return &Service{
		engine:  engine,
		store:   store,
		archive: archive,
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
	}, nil
}

// NewGame replaces the current engine with a fresh one and opens a game.
// When the engine has the first move it is played before NewGame returns.
func (s *Service) NewGame(ctx context.Context, req NewGameRequest) (*State, *Reply, error) {
	color, err := normalizeColor(req.PlayerColor)
	if err != nil {
		return nil, nil, err
	}
	path := strings.TrimSpace(req.EnginePath)
	if path == "" {
		path = s.cfg.DefaultEnginePath
	}
	if path == "" {
		return nil, nil, ErrNoEnginePath
	}
	fen := strings.TrimSpace(req.FEN)
	game, err := corechess.Replay(fen, nil)
	if err != nil {
		return nil, nil, err
	}
	if corechess.Finished(game) {
		return nil, nil, corechess.ErrGameOver
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	info, err := s.engine.Start(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	g := &domain.Game{
		ID:          uuid.NewString(),
		EnginePath:  path,
		EngineName:  info.Name,
		PlayerColor: color,
		StartFEN:    fen,
		Moves:       []string{},
		MovesSAN:    []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var reply *Reply
	if corechess.Turn(game) != color {
		reply, err = s.engineTurn(ctx, g, game)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := s.persist(ctx, g); err != nil {
		return nil, nil, err
	}
	s.log.Info("game_started",
		zap.String("game_id", g.ID),
		zap.String("player_color", color),
		zap.String("engine", info.Name))
	return stateOf(g, game), reply, nil
}

func (s *Service) Get(ctx context.Context, id string) (*State, error) {
	g, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	game, err := corechess.Replay(g.StartFEN, g.Moves)
	if err != nil {
		return nil, fmt.Errorf("replay game %s: %w", id, err)
	}
	return stateOf(g, game), nil
}

// PlayMove applies the player's move (SAN or UCI) and, unless that ends the
// game, the engine's reply. Nothing is stored when either half fails.
func (s *Service) PlayMove(ctx context.Context, id, move string) (*MoveSummary, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	stored, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.Finished() {
		return nil, corechess.ErrGameOver
	}
	game, err := corechess.Replay(stored.StartFEN, stored.Moves)
	if err != nil {
		return nil, fmt.Errorf("replay game %s: %w", id, err)
	}
	if corechess.Turn(game) != stored.PlayerColor {
		return nil, ErrNotPlayerTurn
	}

	g := stored.Clone()
	mv, uciMove, san, err := corechess.DecodeMove(game, move)
	if err != nil {
		return nil, err
	}
	if err := game.Move(mv, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", corechess.ErrIllegalMove, err)
	}
	g.Moves = append(g.Moves, uciMove)
	g.MovesSAN = append(g.MovesSAN, san)
	g.UpdatedAt = s.now()

	summary := &MoveSummary{PlayerMove: uciMove, PlayerSAN: san}
	if corechess.Finished(game) {
		g.Result = corechess.Result(game)
		g.Method = corechess.Method(game)
	} else {
		summary.Engine, err = s.engineTurn(ctx, g, game)
		if err != nil {
			return nil, err
		}
	}

	if err := s.persist(ctx, g); err != nil {
		return nil, err
	}
	summary.State = *stateOf(g, game)
	return summary, nil
}

// Resign ends the game in the engine's favour.
func (s *Service) Resign(ctx context.Context, id string) (*State, error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	stored, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.Finished() {
		return nil, corechess.ErrGameOver
	}
	game, err := corechess.Replay(stored.StartFEN, stored.Moves)
	if err != nil {
		return nil, fmt.Errorf("replay game %s: %w", id, err)
	}

	g := stored.Clone()
	g.Result = g.EngineColor()
	g.Method = "resignation"
	g.UpdatedAt = s.now()
	if err := s.persist(ctx, g); err != nil {
		return nil, err
	}
	return stateOf(g, game), nil
}

// engineTurn asks the engine for a move, plays it on game and records it
// on g. The caller holds turnMu.
func (s *Service) engineTurn(ctx context.Context, g *domain.Game, game *nchess.Game) (*Reply, error) {
	if _, err := s.engine.EnsureStarted(ctx, g.EnginePath); err != nil {
		s.log.Warn("engine_restore_failed",
			zap.String("game_id", g.ID),
			zap.String("engine_path", g.EnginePath),
			zap.Error(err))
		return nil, err
	}
	res, err := s.engine.Evaluate(ctx, corechess.EvaluateRequest{
		FEN:      g.StartFEN,
		Moves:    g.Moves,
		MoveTime: s.cfg.MoveTime,
	})
	if err != nil {
		s.log.Warn("engine_turn_failed", zap.String("game_id", g.ID), zap.Error(err))
		return nil, err
	}

	mv, uciMove, san, err := corechess.DecodeMove(game, res.Move)
	if err != nil {
		return nil, err
	}
	if err := game.Move(mv, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", corechess.ErrIllegalMove, err)
	}
	g.Moves = append(g.Moves, uciMove)
	g.MovesSAN = append(g.MovesSAN, san)
	g.UpdatedAt = s.now()
	if corechess.Finished(game) {
		g.Result = corechess.Result(game)
		g.Method = corechess.Method(game)
	}
	s.log.Debug("engine_moved",
		zap.String("game_id", g.ID),
		zap.String("move", uciMove),
		zap.Duration("took", res.Duration))
	return &Reply{Move: uciMove, SAN: san, Ponder: res.Ponder, Progress: res.Progress}, nil
}

func (s *Service) persist(ctx context.Context, g *domain.Game) error {
	if err := s.store.Save(ctx, g); err != nil {
		return fmt.Errorf("save game: %w", err)
	}
	if g.Finished() && s.archive != nil {
		if err := s.archive.SaveGame(ctx, g); err != nil {
			// the live copy is already stored; archiving is best effort
			s.log.Warn("game_archive_failed", zap.String("game_id", g.ID), zap.Error(err))
		}
	}
	return nil
}

func stateOf(g *domain.Game, game *nchess.Game) *State {
	return &State{Game: g, FEN: game.FEN(), Turn: corechess.Turn(game)}
}

func normalizeColor(c string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case "", "white", "w":
		return "white", nil
	case "black", "b":
		return "black", nil
	default:
		return "", ErrInvalidColor
	}
}
