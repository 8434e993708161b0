package chess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-uci/internal/chess/uci"
)

const DefaultMoveTime = 1000 * time.Millisecond

var (
	ErrInvalidEnginePath = errors.New("invalid engine path")
	ErrEngineNotStarted  = errors.New("engine not started")
)

type EngineConfig struct {
	Session         uci.Config
	DefaultMoveTime time.Duration
}

// Engine pairs the current engine slot with the rules library: positions are
// validated before they reach the engine and engine moves are checked
// before they reach the caller.
type Engine struct {
	slot     *uci.Slot
	moveTime time.Duration
	log      *zap.Logger

	// startMu serialises engine replacement, including the progress
	// subscription hand-over.
	startMu sync.Mutex

	mu     sync.Mutex
	path   string
	unsub  func()
	nextID int
	subs   map[int]func(uci.SearchProgress)
}

type EvaluateRequest struct {
	FEN      string
	Moves    []string
	MoveTime time.Duration
}

type EvaluateResult struct {
	Move     string
	SAN      string
	Ponder   string
	Progress *uci.SearchProgress
	Duration time.Duration
}

type Status struct {
	Path    string           `json:"path,omitempty"`
	State   string           `json:"state"`
	Name    string           `json:"name,omitempty"`
	Author  string           `json:"author,omitempty"`
	Options []uci.OptionDecl `json:"options,omitempty"`
}

func NewEngine(cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	if cfg.DefaultMoveTime <= 0 {
		cfg.DefaultMoveTime = DefaultMoveTime
	}
	return &Engine{
		slot:     uci.NewSlot(cfg.Session),
		moveTime: cfg.DefaultMoveTime,
		log:      logger,
		subs:     make(map[int]func(uci.SearchProgress)),
	}
}

// Start replaces the current engine with the executable at path.
func (e *Engine) Start(ctx context.Context, path string) (uci.EngineInfo, error) {
	path = strings.TrimSpace(path)
	if err := checkEnginePath(path); err != nil {
		return uci.EngineInfo{}, err
	}
	e.startMu.Lock()
	defer e.startMu.Unlock()
	return e.start(ctx, path)
}

func (e *Engine) start(ctx context.Context, path string) (uci.EngineInfo, error) {
	e.mu.Lock()
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.path = ""
	e.mu.Unlock()

	session, err := e.slot.Replace(ctx, path)
	if err != nil {
		return uci.EngineInfo{}, err
	}

	id := session.OnProgress(e.broadcast)
	e.mu.Lock()
	e.path = path
	e.unsub = func() { session.RemoveProgressCallback(id) }
	e.mu.Unlock()
	return session.Info(), nil
}

// EnsureStarted keeps the running engine when it was started from the same
// path and is still alive; otherwise it starts a new one.
func (e *Engine) EnsureStarted(ctx context.Context, path string) (uci.EngineInfo, error) {
	path = strings.TrimSpace(path)
	if err := checkEnginePath(path); err != nil {
		return uci.EngineInfo{}, err
	}
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if s := e.slot.Current(); s != nil && s.State() != uci.StateTerminated {
		e.mu.Lock()
		same := e.path == path
		e.mu.Unlock()
		if same {
			return s.Info(), nil
		}
	}
	return e.start(ctx, path)
}

func checkEnginePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEnginePath)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnginePath, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidEnginePath, path)
	}
	return nil
}

// Evaluate asks the current engine for its move in the given position.
func (e *Engine) Evaluate(ctx context.Context, req EvaluateRequest) (EvaluateResult, error) {
	start := time.Now()

	game, err := Replay(req.FEN, req.Moves)
	if err != nil {
		return EvaluateResult{}, err
	}
	if Finished(game) || len(game.ValidMoves()) == 0 {
		return EvaluateResult{}, ErrGameOver
	}

	session := e.slot.Current()
	if session == nil {
		return EvaluateResult{}, ErrEngineNotStarted
	}

	moveTime := req.MoveTime
	if moveTime <= 0 {
		moveTime = e.moveTime
	}
	budget := int(moveTime / time.Millisecond)
	if budget <= 0 {
		budget = 1
	}

	moves := make([]string, len(req.Moves))
	for i, mv := range req.Moves {
		moves[i] = strings.ToLower(strings.TrimSpace(mv))
	}
	if err := session.SetPosition(req.FEN, moves); err != nil {
		return EvaluateResult{}, err
	}
	search, err := session.StartSearch(budget)
	if err != nil {
		return EvaluateResult{}, err
	}
	bm, err := search.Wait(ctx)
	if err != nil {
		return EvaluateResult{}, err
	}

	san, err := engineMoveSAN(game, bm.Move)
	if err != nil {
		e.log.Warn("engine_move_rejected",
			zap.String("move", bm.Move),
			zap.String("fen", game.FEN()))
		return EvaluateResult{}, err
	}

	return EvaluateResult{
		Move:     bm.Move,
		SAN:      san,
		Ponder:   bm.Ponder,
		Progress: search.LastProgress(),
		Duration: time.Since(start),
	}, nil
}

func engineMoveSAN(game *nchess.Game, move string) (string, error) {
	if !isLegal(game, move) {
		return "", fmt.Errorf("%w: engine played %s", ErrIllegalMove, move)
	}
	pos := game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, move)
	if err != nil {
		return "", fmt.Errorf("%w: engine played %s", ErrIllegalMove, move)
	}
	return nchess.AlgebraicNotation{}.Encode(pos, mv), nil
}

// Stop cuts the running search short; its result is still delivered.
func (e *Engine) Stop() error {
	session := e.slot.Current()
	if session == nil {
		return ErrEngineNotStarted
	}
	return session.Stop()
}

func (e *Engine) Status() Status {
	session := e.slot.Current()
	if session == nil {
		return Status{State: "none"}
	}
	info := session.Info()
	return Status{
		Path:    session.Path(),
		State:   session.State().String(),
		Name:    info.Name,
		Author:  info.Author,
		Options: info.Options,
	}
}

// OnProgress subscribes to info reports of whichever engine is current.
func (e *Engine) OnProgress(cb func(uci.SearchProgress)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.subs[e.nextID] = cb
	return e.nextID
}

func (e *Engine) RemoveProgressCallback(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

func (e *Engine) broadcast(p uci.SearchProgress) {
	e.mu.Lock()
	cbs := make([]func(uci.SearchProgress), 0, len(e.subs))
	for _, cb := range e.subs {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()
	for _, cb := range cbs {
		cb(p)
	}
}

// Close quits the current engine.
func (e *Engine) Close(ctx context.Context) error {
	return e.slot.Close(ctx)
}
