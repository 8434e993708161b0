package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	corechess "github.com/park285/cheese-uci/internal/chess"
	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/internal/domain"
	"github.com/park285/cheese-uci/internal/msgcat"
	"github.com/park285/cheese-uci/internal/service/game"
	"github.com/park285/cheese-uci/pkg/enginedto"
)

type stubGames struct {
	err      error
	lastMove string
}

func (g *stubGames) state(id string) *game.State {
	return &game.State{
		Game: &domain.Game{ID: id, PlayerColor: "white", Moves: []string{}},
		FEN:  "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
		Turn: "white",
	}
}

func (g *stubGames) NewGame(_ context.Context, req game.NewGameRequest) (*game.State, *game.Reply, error) {
	if g.err != nil {
		return nil, nil, g.err
	}
	st := g.state("g-1")
	if req.PlayerColor == "black" {
		return st, &game.Reply{Move: "e2e4", SAN: "e4"}, nil
	}
	return st, nil, nil
}

func (g *stubGames) Get(_ context.Context, id string) (*game.State, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.state(id), nil
}

func (g *stubGames) PlayMove(_ context.Context, id, move string) (*game.MoveSummary, error) {
	g.lastMove = move
	if g.err != nil {
		return nil, g.err
	}
	return &game.MoveSummary{PlayerMove: "e2e4", PlayerSAN: "e4", State: *g.state(id)}, nil
}

func (g *stubGames) Resign(_ context.Context, id string) (*game.State, error) {
	if g.err != nil {
		return nil, g.err
	}
	st := g.state(id)
	st.Game.Result, st.Game.Method = "black", "resignation"
	return st, nil
}

type stubEngine struct {
	err     error
	started string
	lastReq corechess.EvaluateRequest
}

func (e *stubEngine) Start(_ context.Context, path string) (uci.EngineInfo, error) {
	if e.err != nil {
		return uci.EngineInfo{}, e.err
	}
	e.started = path
	return uci.EngineInfo{Name: "Stub"}, nil
}

func (e *stubEngine) Evaluate(_ context.Context, req corechess.EvaluateRequest) (corechess.EvaluateResult, error) {
	e.lastReq = req
	if e.err != nil {
		return corechess.EvaluateResult{}, e.err
	}
	return corechess.EvaluateResult{Move: "g1f3", SAN: "Nf3", Ponder: "d7d5", Duration: 42 * time.Millisecond}, nil
}

func (e *stubEngine) Stop() error { return e.err }

func (e *stubEngine) Status() corechess.Status {
	if e.started == "" {
		return corechess.Status{State: "none"}
	}
	return corechess.Status{Path: e.started, State: "ready", Name: "Stub"}
}

func newTestServer(t *testing.T) (*Server, *stubGames, *stubEngine) {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	games, eng := &stubGames{}, &stubEngine{}
	return New(games, eng, cat, Config{RequestTimeout: 5 * time.Second}, nil), games, eng
}

func do(s *Server, method, uri, body string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	s.Handler()(&ctx)
	return &ctx
}

func decodeError(t *testing.T, ctx *fasthttp.RequestCtx) enginedto.ErrorResponse {
	t.Helper()
	var resp enginedto.ErrorResponse
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("error body %q: %v", ctx.Response.Body(), err)
	}
	return resp
}

func TestNewGameRoute(t *testing.T) {
	s, _, _ := newTestServer(t)

	ctx := do(s, "POST", "/games", `{"player_color":"black"}`)
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("status = %d body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var resp enginedto.NewGameResponse
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Game.ID != "g-1" || resp.Turn != "white" || resp.Engine == nil || resp.Engine.SAN != "e4" {
		t.Fatalf("resp = %+v engine=%+v", resp.State, resp.Engine)
	}

	if ctx := do(s, "POST", "/games", ""); ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("empty body status = %d", ctx.Response.StatusCode())
	}
}

func TestGameRoutes(t *testing.T) {
	s, games, _ := newTestServer(t)

	if ctx := do(s, "GET", "/games/abc", ""); ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("get status = %d", ctx.Response.StatusCode())
	}
	ctx := do(s, "POST", "/games/abc/moves", `{"move":"e4"}`)
	if ctx.Response.StatusCode() != fasthttp.StatusOK || games.lastMove != "e4" {
		t.Fatalf("move status = %d last=%q", ctx.Response.StatusCode(), games.lastMove)
	}
	ctx = do(s, "POST", "/games/abc/resign", "")
	var st game.State
	if err := json.Unmarshal(ctx.Response.Body(), &st); err != nil || st.Game.Method != "resignation" {
		t.Fatalf("resign body = %s (%v)", ctx.Response.Body(), err)
	}
}

func TestMoveValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	ctx := do(s, "POST", "/games/abc/moves", `{"move":"  "}`)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest || decodeError(t, ctx).Code != "missing_move" {
		t.Fatalf("missing move: %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	ctx = do(s, "POST", "/games/abc/moves", `{not json`)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest || decodeError(t, ctx).Code != "bad_request" {
		t.Fatalf("bad json: %d %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	ctx = do(s, "POST", "/engine/move", `{"movetime_ms":-1}`)
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("negative movetime: %d", ctx.Response.StatusCode())
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
		msg    string
	}{
		{game.ErrGameNotFound, 404, "game_not_found", "Game abc not found."},
		{corechess.ErrIllegalMove, 400, "illegal_move", "Illegal move."},
		{corechess.ErrGameOver, 409, "game_over", "The game is already over."},
		{game.ErrNotPlayerTurn, 409, "not_your_turn", ""},
		{uci.ErrNotReady, 409, "engine_not_ready", ""},
		{uci.ErrSearchInProgress, 409, "engine_busy", ""},
		{fmt.Errorf("turn: %w", uci.ErrMoveTimeout), 504, "engine_move_timeout", ""},
		{uci.ErrInitTimeout, 504, "engine_init_timeout", ""},
		{&uci.ExitError{Code: 3}, 502, "engine_exited", "Engine process exited (code 3)."},
		{&uci.SpawnError{Path: "/bin/nope", Err: errors.New("enoent")}, 502, "engine_spawn_failed", "Failed to start engine /bin/nope."},
		{uci.ErrNoLegalMove, 422, "engine_no_legal_move", ""},
		{corechess.ErrEngineNotStarted, 409, "engine_not_started", ""},
		{context.DeadlineExceeded, 504, "timeout", ""},
		{errors.New("boom"), 500, "internal", "Unexpected server error."},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			s, games, _ := newTestServer(t)
			games.err = tc.err
			ctx := do(s, "GET", "/games/abc", "")
			if ctx.Response.StatusCode() != tc.status {
				t.Fatalf("status = %d, want %d", ctx.Response.StatusCode(), tc.status)
			}
			resp := decodeError(t, ctx)
			if resp.Code != tc.code {
				t.Fatalf("code = %s, want %s", resp.Code, tc.code)
			}
			if tc.msg != "" && resp.Message != tc.msg {
				t.Fatalf("message = %q, want %q", resp.Message, tc.msg)
			}
			if resp.Details == "" {
				t.Fatalf("details missing")
			}
		})
	}
}

func TestEngineRoutes(t *testing.T) {
	s, _, eng := newTestServer(t)

	ctx := do(s, "GET", "/healthz", "")
	var health enginedto.HealthResponse
	if err := json.Unmarshal(ctx.Response.Body(), &health); err != nil || health.Engine.State != "none" {
		t.Fatalf("health = %s (%v)", ctx.Response.Body(), err)
	}

	ctx = do(s, "POST", "/engine/start", `{"path":"/opt/sf"}`)
	var st enginedto.EngineStatus
	if err := json.Unmarshal(ctx.Response.Body(), &st); err != nil || st.Path != "/opt/sf" || st.State != "ready" {
		t.Fatalf("start = %s (%v)", ctx.Response.Body(), err)
	}

	ctx = do(s, "POST", "/engine/move", `{"fen":"8/8/8/8/8/8/8/8 w - - 0 1","moves":["e2e4"],"movetime_ms":250}`)
	var mv enginedto.EngineMoveResponse
	if err := json.Unmarshal(ctx.Response.Body(), &mv); err != nil || mv.Move != "g1f3" || mv.DurationMs != 42 {
		t.Fatalf("move = %s (%v)", ctx.Response.Body(), err)
	}
	if eng.lastReq.MoveTime != 250*time.Millisecond || len(eng.lastReq.Moves) != 1 {
		t.Fatalf("evaluate request = %+v", eng.lastReq)
	}

	if ctx := do(s, "POST", "/engine/stop", ""); ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("stop status = %d", ctx.Response.StatusCode())
	}
	eng.err = uci.ErrNotReady
	if ctx := do(s, "POST", "/engine/stop", ""); ctx.Response.StatusCode() != fasthttp.StatusConflict {
		t.Fatalf("idle stop status = %d", ctx.Response.StatusCode())
	}
}

func TestUnknownRoute(t *testing.T) {
	s, _, _ := newTestServer(t)
	for _, tc := range [][2]string{{"GET", "/nope"}, {"DELETE", "/games/abc"}, {"GET", "/engine/move"}} {
		if ctx := do(s, tc[0], tc[1], ""); ctx.Response.StatusCode() != fasthttp.StatusNotFound {
			t.Fatalf("%s %s = %d", tc[0], tc[1], ctx.Response.StatusCode())
		}
	}
}

func TestServeAndShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)
	ln := fasthttputil.NewInmemoryListener()
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	c := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	status, body, err := c.Get(nil, "http://api/healthz")
	if err != nil || status != fasthttp.StatusOK {
		t.Fatalf("healthz: %d %s %v", status, body, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}
}
