// Package ucitest provides a scriptable UCI engine that runs inside a
// re-executed test binary, so session tests talk to a real subprocess.
//
// Usage from a test package:
//
//	func TestMain(m *testing.M) {
//		ucitest.RunIfRequested()
//		os.Exit(m.Run())
//	}
//
// and spawn the engine with the path and environment from Command.
package ucitest

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
)

const envMode = "UCITEST_FAKE_ENGINE"

type Mode string

const (
	// ModeNormal answers every command; bestmove is the first legal move.
	ModeNormal Mode = "normal"
	// ModeNoReady acknowledges uci but never answers isready.
	ModeNoReady Mode = "no-readyok"
	// ModeSilentSearch only answers a search once it receives stop.
	ModeSilentSearch Mode = "silent-search"
	// ModeCrashOnGo exits with code 3 as soon as a search starts.
	ModeCrashOnGo Mode = "crash-on-go"
	// ModeStubborn never answers a search and ignores quit and end of
	// input; it has to be killed.
	ModeStubborn Mode = "stubborn"
)

const CrashExitCode = 3

// Command returns the executable and environment that start a fake engine
// in the given mode.
func Command(mode Mode) (string, []string) {
	path, err := os.Executable()
	if err != nil {
		path = os.Args[0]
	}
	env := append(os.Environ(), envMode+"="+string(mode))
	return path, env
}

// RunIfRequested turns the current process into a fake engine when it was
// started through Command. It does not return in that case.
func RunIfRequested() {
	mode := os.Getenv(envMode)
	if mode == "" {
		return
	}
	os.Exit(Run(Mode(mode), os.Stdin, os.Stdout))
}

// Run serves the UCI dialogue on in/out and returns the exit code.
func Run(mode Mode, in io.Reader, out io.Writer) int {
	w := bufio.NewWriter(out)
	emit := func(lines ...string) {
		for _, l := range lines {
			w.WriteString(l)
			w.WriteByte('\n')
		}
		w.Flush()
	}

	var (
		position  = "position startpos"
		searching bool
	)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "uci":
			emit(
				"id name FakeFish 1.0",
				"id author ucitest",
				"option name Hash type spin default 16 min 1 max 1024",
				"option name Ponder type check default false",
				"uciok",
			)
		case line == "isready":
			if mode != ModeNoReady {
				emit("readyok")
			}
		case strings.HasPrefix(line, "position"):
			position = line
		case strings.HasPrefix(line, "go"):
			switch mode {
			case ModeCrashOnGo:
				return CrashExitCode
			case ModeSilentSearch, ModeStubborn:
				searching = mode == ModeSilentSearch
				continue
			}
			move := PickMove(position)
			emit("info depth 1 seldepth 2 multipv 1 score cp 34 nodes 20 nps 1000 time 1 pv " + move)
			// deliver the reply in two writes so the reader sees a partial line
			w.WriteString("bestmove " + move[:2])
			w.Flush()
			time.Sleep(20 * time.Millisecond)
			emit(move[2:])
		case line == "stop":
			if searching {
				searching = false
				emit("bestmove " + PickMove(position))
			}
		case line == "quit":
			if mode != ModeStubborn {
				return 0
			}
		}
	}

	if mode == ModeStubborn {
		time.Sleep(time.Hour)
	}
	return 0
}

// PickMove returns the first legal move for a "position" command, or
// "(none)" when the side to move has none.
func PickMove(position string) string {
	fields := strings.Fields(position)
	var opts []func(*nchess.Game)
	idx := 2
	if len(fields) > 1 && fields[1] == "fen" {
		end := len(fields)
		for i := 2; i < len(fields); i++ {
			if fields[i] == "moves" {
				end = i
				break
			}
		}
		if opt, err := nchess.FEN(strings.Join(fields[2:end], " ")); err == nil {
			opts = append(opts, opt)
		}
		idx = end
	}

	game := nchess.NewGame(opts...)
	if idx < len(fields) && fields[idx] == "moves" {
		for _, mv := range fields[idx+1:] {
			if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
				break
			}
		}
	}

	moves := game.ValidMoves()
	if len(moves) == 0 {
		return "(none)"
	}
	return moves[0].String()
}
