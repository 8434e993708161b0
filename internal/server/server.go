package server

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	corechess "github.com/park285/cheese-uci/internal/chess"
	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/internal/msgcat"
	"github.com/park285/cheese-uci/internal/service/game"
	"github.com/park285/cheese-uci/pkg/enginedto"
)

const defaultRequestTimeout = 2 * time.Minute

// Games is the game service as the API uses it.
type Games interface {
	NewGame(ctx context.Context, req game.NewGameRequest) (*game.State, *game.Reply, error)
	Get(ctx context.Context, id string) (*game.State, error)
	PlayMove(ctx context.Context, id, move string) (*game.MoveSummary, error)
	Resign(ctx context.Context, id string) (*game.State, error)
}

// Engine is the engine facade as the API uses it.
type Engine interface {
	Start(ctx context.Context, path string) (uci.EngineInfo, error)
	Evaluate(ctx context.Context, req corechess.EvaluateRequest) (corechess.EvaluateResult, error)
	Stop() error
	Status() corechess.Status
}

type Config struct {
	// RequestTimeout bounds each request; engine turns run inside it.
	RequestTimeout time.Duration
}

// Server is the JSON API over fasthttp.
type Server struct {
	games   Games
	engine  Engine
	catalog *msgcat.Catalog
	log     *zap.Logger
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	srv    *fasthttp.Server
}

func New(games Games, engine Engine, catalog *msgcat.Catalog, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		games:   games,
		engine:  engine,
		catalog: catalog,
		log:     logger,
		timeout: cfg.RequestTimeout,
		base:    base,
		cancel:  cancel,
	}
	s.srv = &fasthttp.Server{
		Handler:            s.handle,
		Name:               "cheese-uci",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       cfg.RequestTimeout + 10*time.Second,
		MaxRequestBodySize: 64 << 10,
	}
	return s
}

func (s *Server) Handler() fasthttp.RequestHandler { return s.handle }

func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) ListenAndServe(addr string) error { return s.srv.ListenAndServe(addr) }

// Shutdown cancels in-flight engine waits and closes the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := strings.Trim(string(ctx.Path()), "/")
	parts := strings.Split(path, "/")
	get, post := ctx.IsGet(), ctx.IsPost()

	switch {
	case get && path == "healthz":
		s.health(ctx)
	case post && path == "games":
		s.newGame(ctx)
	case get && len(parts) == 2 && parts[0] == "games":
		s.getGame(ctx, parts[1])
	case post && len(parts) == 3 && parts[0] == "games" && parts[2] == "moves":
		s.playMove(ctx, parts[1])
	case post && len(parts) == 3 && parts[0] == "games" && parts[2] == "resign":
		s.resign(ctx, parts[1])
	case get && path == "engine":
		writeJSON(ctx, fasthttp.StatusOK, engineStatus(s.engine.Status()))
	case post && path == "engine/start":
		s.startEngine(ctx)
	case post && path == "engine/move":
		s.engineMove(ctx)
	case post && path == "engine/stop":
		s.stopEngine(ctx)
	default:
		s.writeError(ctx, classNotFound, nil, nil)
	}

	s.log.Debug("http_request",
		zap.ByteString("method", ctx.Method()),
		zap.String("path", "/"+path),
		zap.Int("status", ctx.Response.StatusCode()),
		zap.Duration("took", time.Since(start)))
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.base, s.timeout)
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, enginedto.HealthResponse{
		Status: "ok",
		Engine: engineStatus(s.engine.Status()),
	})
}

func (s *Server) newGame(ctx *fasthttp.RequestCtx) {
	var req enginedto.NewGameRequest
	if !s.decode(ctx, &req, true) {
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()

	st, reply, err := s.games.NewGame(rctx, game.NewGameRequest{
		EnginePath:  req.EnginePath,
		PlayerColor: req.PlayerColor,
		FEN:         req.FEN,
	})
	if err != nil {
		s.fail(ctx, err, map[string]any{"Path": req.EnginePath})
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, enginedto.NewGameResponse{State: *st, Engine: reply})
}

func (s *Server) getGame(ctx *fasthttp.RequestCtx, id string) {
	rctx, cancel := s.requestContext()
	defer cancel()
	st, err := s.games.Get(rctx, id)
	if err != nil {
		s.fail(ctx, err, map[string]any{"ID": id})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, st)
}

func (s *Server) playMove(ctx *fasthttp.RequestCtx, id string) {
	var req enginedto.MoveRequest
	if !s.decode(ctx, &req, false) {
		return
	}
	if strings.TrimSpace(req.Move) == "" {
		s.fail(ctx, enginedto.DomainError{
			Code:    "missing_move",
			Message: s.catalog.Message("errors.game.missing_move", nil, "move is required"),
		}, nil)
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()
	sum, err := s.games.PlayMove(rctx, id, req.Move)
	if err != nil {
		s.fail(ctx, err, map[string]any{"ID": id})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, sum)
}

func (s *Server) resign(ctx *fasthttp.RequestCtx, id string) {
	rctx, cancel := s.requestContext()
	defer cancel()
	st, err := s.games.Resign(rctx, id)
	if err != nil {
		s.fail(ctx, err, map[string]any{"ID": id})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, st)
}

func (s *Server) startEngine(ctx *fasthttp.RequestCtx) {
	var req enginedto.EngineStartRequest
	if !s.decode(ctx, &req, false) {
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()
	if _, err := s.engine.Start(rctx, req.Path); err != nil {
		s.fail(ctx, err, map[string]any{"Path": req.Path})
		return
	}
	s.log.Info("engine_selected", zap.String("path", req.Path))
	writeJSON(ctx, fasthttp.StatusOK, engineStatus(s.engine.Status()))
}

func (s *Server) engineMove(ctx *fasthttp.RequestCtx) {
	var req enginedto.EngineMoveRequest
	if !s.decode(ctx, &req, true) {
		return
	}
	if req.MoveTimeMs < 0 {
		s.fail(ctx, enginedto.DomainError{
			Code:    "bad_request",
			Message: s.catalog.Message("errors.bad_request", nil, "invalid request"),
		}, nil)
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()
	res, err := s.engine.Evaluate(rctx, corechess.EvaluateRequest{
		FEN:      req.FEN,
		Moves:    req.Moves,
		MoveTime: time.Duration(req.MoveTimeMs) * time.Millisecond,
	})
	if err != nil {
		s.fail(ctx, err, nil)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, enginedto.EngineMoveResponse{
		Move:       res.Move,
		SAN:        res.SAN,
		Ponder:     res.Ponder,
		DurationMs: res.Duration.Milliseconds(),
		Progress:   res.Progress,
	})
}

func (s *Server) stopEngine(ctx *fasthttp.RequestCtx) {
	if err := s.engine.Stop(); err != nil {
		s.fail(ctx, err, nil)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// decode reads a JSON body into v. An empty body is accepted when
// allowEmpty is set.
func (s *Server) decode(ctx *fasthttp.RequestCtx, v any, allowEmpty bool) bool {
	body := ctx.PostBody()
	if len(body) == 0 && allowEmpty {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(ctx, classBadRequest, err, nil)
		return false
	}
	return true
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, err error, vars map[string]any) {
	s.writeError(ctx, classify(err), err, vars)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, c errorClass, err error, vars map[string]any) {
	resp := enginedto.ErrorResponse{Code: c.code, Retryable: c.retryable}
	fallback := c.code
	if err != nil {
		resp.Details = err.Error()
		fallback = err.Error()
	}
	if c.key != "" {
		resp.Message = s.catalog.Message(c.key, templateData(err, vars), fallback)
	} else {
		resp.Message = fallback
	}
	if c.status >= fasthttp.StatusInternalServerError {
		s.log.Warn("http_error",
			zap.ByteString("path", ctx.Path()),
			zap.Int("status", c.status),
			zap.String("code", c.code),
			zap.Error(err))
	}
	writeJSON(ctx, c.status, resp)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func engineStatus(st corechess.Status) enginedto.EngineStatus {
	return enginedto.EngineStatus{
		Path:    st.Path,
		State:   st.State,
		Name:    st.Name,
		Author:  st.Author,
		Options: st.Options,
	}
}
