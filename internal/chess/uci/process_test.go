package uci

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-uci/internal/chess/uci/ucitest"
)

func TestMain(m *testing.M) {
	ucitest.RunIfRequested()
	os.Exit(m.Run())
}

func startFake(t *testing.T, mode ucitest.Mode, cfg Config) *Session {
	t.Helper()
	path, env := ucitest.Command(mode)
	cfg.Env = env
	s := NewSession(path, cfg)
	t.Cleanup(func() {
		s.Quit()
		select {
		case <-s.Exited():
		case <-time.After(10 * time.Second):
			t.Error("engine did not exit")
		}
	})
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInitializeHandshake(t *testing.T) {
	s := startFake(t, ucitest.ModeNormal, Config{})
	require.NoError(t, s.Initialize(testContext(t)))
	assert.Equal(t, StateReady, s.State())

	info := s.Info()
	assert.Equal(t, "FakeFish 1.0", info.Name)
	assert.Equal(t, "ucitest", info.Author)
	require.Len(t, info.Options, 2)
	assert.Equal(t, "Hash", info.Options[0].Name)

	assert.ErrorIs(t, s.Initialize(testContext(t)), ErrAlreadyStarted)
}

func TestInitializeTimesOut(t *testing.T) {
	window := 300 * time.Millisecond
	s := startFake(t, ucitest.ModeNoReady, Config{InitTimeout: window})

	start := time.Now()
	err := s.Initialize(testContext(t))
	assert.ErrorIs(t, err, ErrInitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), window)
	assert.Equal(t, StateTerminated, s.State())

	assert.ErrorIs(t, s.SetPosition("", nil), ErrNotReady)
}

func TestInitializeSpawnFailure(t *testing.T) {
	s := NewSession(filepath.Join(t.TempDir(), "no-such-engine"), Config{})

	err := s.Initialize(testContext(t))
	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr), "got %v", err)
	assert.Equal(t, StateTerminated, s.State())

	select {
	case <-s.Exited():
	default:
		t.Fatal("exited not closed after spawn failure")
	}
}

func TestRequestBestMove(t *testing.T) {
	s := startFake(t, ucitest.ModeNormal, Config{})
	require.NoError(t, s.Initialize(testContext(t)))

	var reports atomic.Int32
	s.OnProgress(func(p SearchProgress) {
		if p.Depth != nil && *p.Depth == 1 {
			reports.Add(1)
		}
	})

	moves := []string{"e2e4", "e7e5"}
	require.NoError(t, s.SetPosition("", moves))

	move, err := s.RequestBestMove(testContext(t), 50)
	require.NoError(t, err)
	assert.True(t, IsMoveToken(move), move)
	assert.Equal(t, ucitest.PickMove(buildPositionCommand("", moves)), move)
	assert.EqualValues(t, 1, reports.Load())
	assert.Equal(t, StateReady, s.State())

	// a second search on the same session
	move, err = s.RequestBestMove(testContext(t), 50)
	require.NoError(t, err)
	assert.NotEmpty(t, move)
}

func TestRequestBestMoveFromFEN(t *testing.T) {
	s := startFake(t, ucitest.ModeNormal, Config{})
	require.NoError(t, s.Initialize(testContext(t)))

	fen := "7k/8/8/8/8/8/8/K6R w - - 0 1"
	require.NoError(t, s.SetPosition(fen, nil))

	q, err := s.StartSearch(50)
	require.NoError(t, err)
	bm, err := q.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, ucitest.PickMove(buildPositionCommand(fen, nil)), bm.Move)
	require.NotNil(t, q.LastProgress())
}

func TestMoveTimeoutKeepsSession(t *testing.T) {
	margin := 150 * time.Millisecond
	s := startFake(t, ucitest.ModeSilentSearch, Config{MoveMargin: margin})
	require.NoError(t, s.Initialize(testContext(t)))

	start := time.Now()
	_, err := s.RequestBestMove(testContext(t), 50)
	assert.ErrorIs(t, err, ErrMoveTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond+margin)
	assert.Equal(t, StateReady, s.State())
}

func TestStopResolvesSearch(t *testing.T) {
	s := startFake(t, ucitest.ModeSilentSearch, Config{})
	require.NoError(t, s.Initialize(testContext(t)))

	q, err := s.StartSearch(60_000)
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	bm, err := q.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, ucitest.PickMove("position startpos"), bm.Move)
	assert.Equal(t, StateReady, s.State())
}

func TestNextSearchIgnoresAbandonedReply(t *testing.T) {
	const fen = "7k/8/8/8/8/8/8/K6R w - - 0 1"

	for _, name := range []string{"abandon", "timeout"} {
		t.Run(name, func(t *testing.T) {
			s := startFake(t, ucitest.ModeSilentSearch, Config{MoveMargin: 100 * time.Millisecond})
			require.NoError(t, s.Initialize(testContext(t)))

			if name == "abandon" {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				_, err := s.RequestBestMove(ctx, 60_000)
				require.ErrorIs(t, err, context.Canceled)
			} else {
				_, err := s.RequestBestMove(testContext(t), 20)
				require.ErrorIs(t, err, ErrMoveTimeout)
			}
			require.Equal(t, StateReady, s.State())

			require.NoError(t, s.SetPosition(fen, nil))
			q, err := s.StartSearch(60_000)
			require.NoError(t, err)

			// the startpos reply to the first search's stop lands here
			select {
			case <-q.Done():
				bm, err := q.Result()
				t.Fatalf("search resolved early: %q %v", bm.Move, err)
			case <-time.After(200 * time.Millisecond):
			}

			require.NoError(t, s.Stop())
			bm, err := q.Wait(testContext(t))
			require.NoError(t, err)
			assert.Equal(t, ucitest.PickMove(buildPositionCommand(fen, nil)), bm.Move)
			assert.NotEqual(t, ucitest.PickMove("position startpos"), bm.Move)
		})
	}
}

func TestEngineCrashFailsPendingSearch(t *testing.T) {
	s := startFake(t, ucitest.ModeCrashOnGo, Config{})
	require.NoError(t, s.Initialize(testContext(t)))

	exitCodes := make(chan int, 1)
	s.OnExit(func(code int) { exitCodes <- code })

	q, err := s.StartSearch(60_000)
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Wait(testContext(t))
	assert.ErrorIs(t, err, ErrEngineExited)
	assert.Less(t, time.Since(start), 5*time.Second)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, ucitest.CrashExitCode, exitErr.Code)

	select {
	case code := <-exitCodes:
		assert.Equal(t, ucitest.CrashExitCode, code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback not invoked")
	}
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ucitest.CrashExitCode, s.ExitCode())

	_, err = s.StartSearch(100)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestQuitExitsCleanly(t *testing.T) {
	s := startFake(t, ucitest.ModeNormal, Config{})
	require.NoError(t, s.Initialize(testContext(t)))

	s.Quit()
	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not exit after quit")
	}
	assert.Equal(t, 0, s.ExitCode())
	assert.EqualValues(t, 0, s.kills.Load())
}

func TestQuitTwiceKillsOnce(t *testing.T) {
	s := startFake(t, ucitest.ModeStubborn, Config{QuitGrace: 100 * time.Millisecond})
	require.NoError(t, s.Initialize(testContext(t)))

	q, err := s.StartSearch(60_000)
	require.NoError(t, err)

	s.Quit()
	s.Quit()

	_, err = q.Wait(testContext(t))
	assert.ErrorIs(t, err, ErrEngineExited)

	select {
	case <-s.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("engine was not killed")
	}
	assert.EqualValues(t, 1, s.kills.Load())
	assert.Equal(t, StateTerminated, s.State())
}
