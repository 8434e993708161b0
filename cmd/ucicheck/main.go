package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/profile"
	"github.com/schollz/progressbar/v3"

	"github.com/park285/cheese-uci/internal/chess/uci"
	"github.com/park285/cheese-uci/internal/client"
	"github.com/park285/cheese-uci/internal/obslog"
	"github.com/park285/cheese-uci/pkg/enginedto"
)

type options struct {
	engine   string
	args     string
	fen      string
	moves    string
	moveTime time.Duration
	timeout  time.Duration
	server   string
	wsURL    string
	dump     bool
	logLevel string
}

func main() {
	var opts options
	var profileDir string
	flag.StringVar(&opts.engine, "engine", os.Getenv("ENGINE_PATH"), "engine executable")
	flag.StringVar(&opts.args, "args", "", "engine arguments, space separated")
	flag.StringVar(&opts.fen, "fen", "", "start position (default: initial position)")
	flag.StringVar(&opts.moves, "moves", "", "moves from the start position in UCI notation, space separated")
	flag.DurationVar(&opts.moveTime, "movetime", time.Second, "search budget")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "handshake timeout")
	flag.StringVar(&opts.server, "server", "", "check a running uci-server at this base URL instead of spawning locally")
	flag.StringVar(&opts.wsURL, "ws", "", "progress websocket URL of the server (remote mode)")
	flag.BoolVar(&opts.dump, "dump", false, "dump engine identity and options")
	flag.StringVar(&opts.logLevel, "log", "warn", "log level")
	flag.StringVar(&profileDir, "profile", "", "write a CPU profile into this directory")
	flag.Parse()

	if profileDir != "" {
		defer profile.Start(profile.ProfilePath(profileDir)).Stop()
	}

	var err error
	if opts.server != "" {
		err = runRemote(opts)
	} else {
		err = runLocal(opts)
	}
	if err != nil {
		log.Printf("ucicheck: %v", err)
		os.Exit(1)
	}
}

func runLocal(opts options) error {
	if opts.engine == "" {
		return fmt.Errorf("-engine or ENGINE_PATH is required")
	}
	logger, err := obslog.New(obslog.Options{Level: opts.logLevel, Format: "console", Console: true, Stdout: os.Stderr})
	if err != nil {
		return err
	}

	session := uci.NewSession(opts.engine, uci.Config{
		Args:        strings.Fields(opts.args),
		InitTimeout: opts.timeout,
		Logger:      logger,
	})
	defer quit(session)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	if err := session.Initialize(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	info := session.Info()
	fmt.Printf("id name %s\nid author %s\noptions %d\n", info.Name, info.Author, len(info.Options))
	if opts.dump {
		fmt.Print(spew.Sdump(info))
	}

	bar := newBudgetBar(opts.moveTime)
	session.OnProgress(func(p uci.SearchProgress) {
		if p.TimeMillis != nil {
			_ = bar.Set64(min(*p.TimeMillis, opts.moveTime.Milliseconds()))
		}
		fmt.Fprintln(os.Stderr)
		fmt.Println(formatProgress(p))
	})

	if err := session.SetPosition(opts.fen, strings.Fields(opts.moves)); err != nil {
		return err
	}
	searchCtx, cancelSearch := context.WithTimeout(context.Background(), opts.moveTime+uci.DefaultMoveMargin)
	defer cancelSearch()
	move, err := session.RequestBestMove(searchCtx, int(opts.moveTime.Milliseconds()))
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	fmt.Printf("bestmove %s\n", move)
	return nil
}

func quit(session *uci.Session) {
	session.Quit()
	select {
	case <-session.Exited():
	case <-time.After(2 * uci.DefaultQuitGrace):
	}
}

func runRemote(opts options) error {
	c := client.New(opts.server, client.WithTimeout(opts.timeout+opts.moveTime+uci.DefaultMoveMargin))
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout+opts.moveTime+uci.DefaultMoveMargin)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	fmt.Printf("server %s engine=%s\n", health.Status, health.Engine.State)

	if opts.wsURL != "" {
		stream := client.NewProgressStream(opts.wsURL, 0, 0)
		stream.OnProgress(func(f enginedto.ProgressFrame) {
			fmt.Println(formatProgress(f.Progress))
		})
		if err := stream.Connect(ctx); err != nil {
			return fmt.Errorf("progress stream: %w", err)
		}
		defer func() { _ = stream.Close(context.Background()) }()
	}

	if opts.engine != "" {
		st, err := c.StartEngine(ctx, opts.engine)
		if err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		fmt.Printf("id name %s\nid author %s\noptions %d\n", st.Name, st.Author, len(st.Options))
		if opts.dump {
			fmt.Print(spew.Sdump(st))
		}
	}

	resp, err := c.EngineMove(ctx, enginedto.EngineMoveRequest{
		FEN:        opts.fen,
		Moves:      strings.Fields(opts.moves),
		MoveTimeMs: int(opts.moveTime.Milliseconds()),
	})
	if err != nil {
		return fmt.Errorf("engine move: %w", err)
	}
	if resp.Ponder != "" {
		fmt.Printf("bestmove %s ponder %s (%s, %dms)\n", resp.Move, resp.Ponder, resp.SAN, resp.DurationMs)
	} else {
		fmt.Printf("bestmove %s (%s, %dms)\n", resp.Move, resp.SAN, resp.DurationMs)
	}
	return nil
}

func newBudgetBar(budget time.Duration) *progressbar.ProgressBar {
	return progressbar.NewOptions64(budget.Milliseconds(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("searching"),
		progressbar.OptionClearOnFinish(),
	)
}

func formatProgress(p uci.SearchProgress) string {
	var b strings.Builder
	b.WriteString("info")
	if p.Depth != nil {
		fmt.Fprintf(&b, " depth %d", *p.Depth)
	}
	if p.SelDepth != nil {
		fmt.Fprintf(&b, " seldepth %d", *p.SelDepth)
	}
	if p.Score != nil {
		fmt.Fprintf(&b, " score %s %d", p.Score.Kind, p.Score.Value)
		if p.Score.Bound != "" {
			b.WriteString(" " + p.Score.Bound)
		}
	}
	if p.Nodes != nil {
		fmt.Fprintf(&b, " nodes %d", *p.Nodes)
	}
	if p.NPS != nil {
		fmt.Fprintf(&b, " nps %d", *p.NPS)
	}
	if p.TimeMillis != nil {
		fmt.Fprintf(&b, " time %d", *p.TimeMillis)
	}
	if len(p.PV) > 0 {
		b.WriteString(" pv " + strings.Join(p.PV, " "))
	}
	return b.String()
}
