package server

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	corechess "github.com/park285/cheese-uci/internal/chess"
	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/internal/service/game"
	"github.com/park285/cheese-uci/pkg/enginedto"
)

type errorClass struct {
	status    int
	code      string
	key       string
	retryable bool
}

var (
	classBadRequest = errorClass{fasthttp.StatusBadRequest, "bad_request", "errors.bad_request", false}
	classNotFound   = errorClass{fasthttp.StatusNotFound, "not_found", "errors.not_found", false}
	classInternal   = errorClass{fasthttp.StatusInternalServerError, "internal", "errors.internal", false}
)

// classify maps a domain error onto an HTTP status and a catalog key.
// Order matters: specific engine timeouts come before the generic context
// errors, and typed errors before their sentinels.
func classify(err error) errorClass {
	var (
		dom   enginedto.DomainError
		spawn *uci.SpawnError
	)
	switch {
	case errors.As(err, &dom):
		return errorClass{fasthttp.StatusBadRequest, dom.Code, "", dom.Retryable}
	case errors.As(err, &spawn):
		return errorClass{fasthttp.StatusBadGateway, "engine_spawn_failed", "errors.engine.spawn_failed", false}
	case errors.Is(err, uci.ErrInitTimeout):
		return errorClass{fasthttp.StatusGatewayTimeout, "engine_init_timeout", "errors.engine.init_timeout", true}
	case errors.Is(err, uci.ErrMoveTimeout):
		return errorClass{fasthttp.StatusGatewayTimeout, "engine_move_timeout", "errors.engine.move_timeout", true}
	case errors.Is(err, uci.ErrEngineExited):
		return errorClass{fasthttp.StatusBadGateway, "engine_exited", "errors.engine.exited", false}
	case errors.Is(err, uci.ErrSearchInProgress):
		return errorClass{fasthttp.StatusConflict, "engine_busy", "errors.engine.busy", true}
	case errors.Is(err, uci.ErrNotReady):
		return errorClass{fasthttp.StatusConflict, "engine_not_ready", "errors.engine.not_ready", true}
	case errors.Is(err, uci.ErrNoLegalMove):
		return errorClass{fasthttp.StatusUnprocessableEntity, "engine_no_legal_move", "errors.engine.no_legal_move", false}
	case errors.Is(err, corechess.ErrEngineNotStarted):
		return errorClass{fasthttp.StatusConflict, "engine_not_started", "errors.engine.not_started", false}
	case errors.Is(err, corechess.ErrInvalidEnginePath):
		return errorClass{fasthttp.StatusBadRequest, "engine_invalid_path", "errors.engine.invalid_path", false}
	case errors.Is(err, game.ErrNoEnginePath):
		return errorClass{fasthttp.StatusBadRequest, "engine_no_path", "errors.engine.no_path", false}
	case errors.Is(err, game.ErrGameNotFound):
		return errorClass{fasthttp.StatusNotFound, "game_not_found", "errors.game.not_found", false}
	case errors.Is(err, corechess.ErrInvalidPosition):
		return errorClass{fasthttp.StatusBadRequest, "invalid_position", "errors.game.invalid_position", false}
	case errors.Is(err, corechess.ErrIllegalMove):
		return errorClass{fasthttp.StatusBadRequest, "illegal_move", "errors.game.illegal_move", false}
	case errors.Is(err, corechess.ErrGameOver):
		return errorClass{fasthttp.StatusConflict, "game_over", "errors.game.over", false}
	case errors.Is(err, game.ErrInvalidColor):
		return errorClass{fasthttp.StatusBadRequest, "invalid_color", "errors.game.invalid_color", false}
	case errors.Is(err, game.ErrNotPlayerTurn):
		return errorClass{fasthttp.StatusConflict, "not_your_turn", "errors.game.not_your_turn", false}
	case errors.Is(err, context.DeadlineExceeded):
		return errorClass{fasthttp.StatusGatewayTimeout, "timeout", "errors.timeout", true}
	case errors.Is(err, context.Canceled):
		return errorClass{fasthttp.StatusServiceUnavailable, "unavailable", "errors.unavailable", true}
	default:
		return classInternal
	}
}

// templateData collects the values message templates refer to.
func templateData(err error, vars map[string]any) map[string]any {
	data := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		data[k] = v
	}
	var spawn *uci.SpawnError
	if errors.As(err, &spawn) {
		data["Path"] = spawn.Path
	}
	var exit *uci.ExitError
	if errors.As(err, &exit) {
		data["Code"] = exit.Code
	} else if _, ok := data["Code"]; !ok {
		data["Code"] = "unknown"
	}
	return data
}
