package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	DefaultInitTimeout = 30 * time.Second
	DefaultMoveMargin  = 30 * time.Second
	DefaultQuitGrace   = 5 * time.Second

	readChunkSize = 4096
)

var errStdinClosed = errors.New("engine stdin closed")

type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateBusy
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

type handshakePhase int

const (
	phaseAwaitUCIOK handshakePhase = iota
	phaseAwaitReadyOK
)

type Config struct {
	Args []string
	// Env replaces the subprocess environment when non-nil.
	Env []string

	InitTimeout time.Duration
	MoveMargin  time.Duration
	QuitGrace   time.Duration

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.MoveMargin <= 0 {
		c.MoveMargin = DefaultMoveMargin
	}
	if c.QuitGrace <= 0 {
		c.QuitGrace = DefaultQuitGrace
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type EngineInfo struct {
	Name    string       `json:"name,omitempty"`
	Author  string       `json:"author,omitempty"`
	Options []OptionDecl `json:"options,omitempty"`
}

type ProgressCallback func(progress SearchProgress)

type ExitCallback func(code int)

type progressEntry struct {
	id int
	cb ProgressCallback
}

type exitEntry struct {
	id int
	cb ExitCallback
}

// Session drives one engine subprocess. Commands are written as they are
// issued; replies are decoded on a reader goroutine and resolve pending work
// in arrival order. At most one search is outstanding at a time.
type Session struct {
	path string
	cfg  Config
	log  *zap.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu       sync.Mutex
	state    State
	phase    handshakePhase
	cmd      *exec.Cmd
	lines    lineBuffer
	initDone chan error
	search   *Search
	orphaned int // bestmove replies still owed for abandoned searches
	info     EngineInfo
	quitting bool
	exitCode int

	exited   chan struct{}
	exitOnce sync.Once
	kills    atomic.Int32

	cbMu        sync.RWMutex
	nextCbID    int
	progressCbs []progressEntry
	exitCbs     []exitEntry
}

func NewSession(path string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		path:     path,
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("engine", path)),
		state:    StateUninitialized,
		exitCode: -1,
		exited:   make(chan struct{}),
	}
}

func (s *Session) Path() string { return s.path }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() EngineInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Options = append([]OptionDecl(nil), s.info.Options...)
	return info
}

// Exited is closed once the subprocess is gone (or was never started and
// the session has been retired).
func (s *Session) Exited() <-chan struct{} { return s.exited }

// ExitCode is the subprocess exit code, or -1 while it runs or when it was
// killed by a signal.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Initialize spawns the engine and runs the uci/isready handshake. It
// returns once readyok arrives, or fails with ErrInitTimeout after the
// configured window; any failure retires the session.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.Command(s.path, s.cfg.Args...)
	if s.cfg.Env != nil {
		cmd.Env = s.cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.spawnFailed(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return s.spawnFailed(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return s.spawnFailed(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return s.spawnFailed(fmt.Errorf("start process: %w", err))
	}

	s.writeMu.Lock()
	s.stdin = stdin
	s.writeMu.Unlock()

	done := make(chan error, 1)
	s.cmd = cmd
	s.state = StateHandshaking
	s.phase = phaseAwaitUCIOK
	s.initDone = done
	s.mu.Unlock()

	s.log.Info("uci_engine_started", zap.Int("pid", cmd.Process.Pid))
	go s.readLoop(cmd, stdout, stderr)

	if err := s.send("uci"); err != nil {
		s.abortInit(done)
		s.Quit()
		return fmt.Errorf("send uci: %w", err)
	}

	timer := time.NewTimer(s.cfg.InitTimeout)
	defer timer.Stop()

	var failure error
	select {
	case res := <-done:
		if res != nil {
			s.Quit()
		}
		return res
	case <-timer.C:
		failure = ErrInitTimeout
	case <-ctx.Done():
		failure = ctx.Err()
	}

	if !s.abortInit(done) {
		// the handshake finished while the deadline fired; its result wins
		res := <-done
		if res == nil {
			return nil
		}
		failure = res
	}
	s.log.Warn("uci_init_failed", zap.Error(failure))
	s.Quit()
	return failure
}

// spawnFailed is called with s.mu held.
func (s *Session) spawnFailed(err error) error {
	s.state = StateTerminated
	s.closeExited()
	s.mu.Unlock()
	s.log.Error("uci_spawn_failed", zap.Error(err))
	return &SpawnError{Path: s.path, Err: err}
}

// abortInit detaches the pending initialization. It reports false when the
// handshake already resolved it.
func (s *Session) abortInit(done chan error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initDone != done {
		return false
	}
	s.initDone = nil
	return true
}

// SetPosition sends "position" with the given FEN (startpos when empty)
// and the moves to replay from it. No reply is expected.
func (s *Session) SetPosition(fen string, moves []string) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	if err := s.send(buildPositionCommand(fen, moves)); err != nil {
		return fmt.Errorf("send position: %w", err)
	}
	return nil
}

func (s *Session) requireReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return nil
	case StateBusy:
		return ErrSearchInProgress
	default:
		return ErrNotReady
	}
}

// StartSearch installs the pending search, arms its deadline
// (budget + safety margin) and sends "go movetime".
func (s *Session) StartSearch(timeBudgetMs int) (*Search, error) {
	if timeBudgetMs <= 0 {
		return nil, fmt.Errorf("time budget must be positive: %d", timeBudgetMs)
	}

	s.mu.Lock()
	switch s.state {
	case StateReady:
	case StateBusy:
		s.mu.Unlock()
		return nil, ErrSearchInProgress
	default:
		s.mu.Unlock()
		return nil, ErrNotReady
	}

	q := &Search{
		ID:      ulid.Make().String(),
		Budget:  time.Duration(timeBudgetMs) * time.Millisecond,
		Started: time.Now(),
		session: s,
		done:    make(chan struct{}),
	}
	deadline := q.Budget + s.cfg.MoveMargin
	s.search = q
	s.state = StateBusy
	q.timer = time.AfterFunc(deadline, func() {
		if s.cancelSearch(q, ErrMoveTimeout, true) {
			s.log.Warn("uci_bestmove_timeout",
				zap.String("search_id", q.ID),
				zap.Duration("deadline", deadline))
		}
	})
	s.mu.Unlock()

	if err := s.send("go movetime " + strconv.Itoa(timeBudgetMs)); err != nil {
		s.cancelSearch(q, fmt.Errorf("send go: %w", err), false)
	}
	return q, nil
}

// RequestBestMove runs a search and blocks until its best move arrives.
func (s *Session) RequestBestMove(ctx context.Context, timeBudgetMs int) (string, error) {
	q, err := s.StartSearch(timeBudgetMs)
	if err != nil {
		return "", err
	}
	bm, err := q.Wait(ctx)
	if err != nil {
		return "", err
	}
	return bm.Move, nil
}

// cancelSearch fails q if it still occupies the slot. owed reports that
// "go" reached the engine: its bestmove is still to come and must not
// resolve a later search. The engine is told to stop before the slot is
// released so the stop cannot land on the next search.
func (s *Session) cancelSearch(q *Search, err error, owed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.search != q {
		return false
	}
	s.search = nil
	if owed {
		s.orphaned++
		s.sendStop()
	}
	if s.state == StateBusy {
		s.state = StateReady
	}
	q.timer.Stop()
	q.finish(BestMove{}, err)
	return true
}

func (s *Session) resolveSearch(bm BestMove, err error) {
	s.mu.Lock()
	if s.orphaned > 0 {
		s.orphaned--
		s.mu.Unlock()
		s.log.Debug("uci_bestmove_stale", zap.String("move", bm.Move))
		return
	}
	q := s.search
	if q == nil {
		s.mu.Unlock()
		s.log.Debug("uci_bestmove_unclaimed", zap.String("move", bm.Move))
		return
	}
	s.search = nil
	if s.state == StateBusy {
		s.state = StateReady
	}
	q.timer.Stop()
	q.finish(bm, err)
	s.mu.Unlock()

	s.log.Debug("uci_bestmove",
		zap.String("search_id", q.ID),
		zap.String("move", bm.Move),
		zap.Duration("elapsed", time.Since(q.Started)))
}

// Stop asks a running search to finish early. The search still resolves
// through the engine's bestmove reply. Outside a search it does nothing.
func (s *Session) Stop() error {
	s.mu.Lock()
	busy := s.state == StateBusy
	s.mu.Unlock()
	if !busy {
		return nil
	}
	if err := s.send("stop"); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	return nil
}

func (s *Session) sendStop() {
	if err := s.send("stop"); err != nil {
		s.log.Debug("uci_send_stop_failed", zap.Error(err))
	}
}

// Quit sends "quit", closes stdin and kills the process if it has not
// exited within the grace period. Pending work fails with ErrEngineExited.
// Calling Quit again is a no-op.
func (s *Session) Quit() {
	s.mu.Lock()
	if s.quitting || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.quitting = true
	s.state = StateTerminated
	if s.cmd == nil {
		s.closeExited()
		s.mu.Unlock()
		return
	}
	pendingErr := fmt.Errorf("session quit: %w", ErrEngineExited)
	if q := s.search; q != nil {
		s.search = nil
		q.timer.Stop()
		q.finish(BestMove{}, pendingErr)
	}
	if d := s.initDone; d != nil {
		s.initDone = nil
		d <- pendingErr
	}
	s.mu.Unlock()

	if err := s.send("quit"); err != nil {
		s.log.Debug("uci_send_quit_failed", zap.Error(err))
	}
	s.closeStdin()

	go func() {
		timer := time.NewTimer(s.cfg.QuitGrace)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
			s.forceKill()
		}
	}()
}

func (s *Session) forceKill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	s.kills.Add(1)
	s.log.Warn("uci_engine_kill", zap.Int("pid", cmd.Process.Pid), zap.Duration("grace", s.cfg.QuitGrace))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("uci_engine_kill_failed", zap.Error(err))
	}
}

func (s *Session) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
}

func (s *Session) closeExited() {
	s.exitOnce.Do(func() { close(s.exited) })
}

func (s *Session) readLoop(cmd *exec.Cmd, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Go(func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.log.Warn("uci_stderr", zap.String("line", scanner.Text()))
		}
	})

	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			s.feed(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("uci_stdout_read_error", zap.Error(err))
			}
			break
		}
	}

	wg.Wait()
	waitErr := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	s.handleExit(code, waitErr)
}

// feed hands a raw stdout chunk to the line buffer and dispatches every
// completed line.
func (s *Session) feed(chunk []byte) {
	s.mu.Lock()
	lines := s.lines.Write(chunk)
	s.mu.Unlock()

	for _, line := range lines {
		s.handleLine(line)
	}
}

func (s *Session) handleLine(line string) {
	s.log.Debug("uci_recv", zap.String("line", line))

	ev, ok := Decode(line)
	if !ok {
		return
	}

	switch e := ev.(type) {
	case HandshakeAck:
		s.mu.Lock()
		advance := s.state == StateHandshaking && s.phase == phaseAwaitUCIOK && s.initDone != nil
		if advance {
			s.phase = phaseAwaitReadyOK
		}
		s.mu.Unlock()
		if advance {
			if err := s.send("isready"); err != nil {
				s.log.Warn("uci_send_isready_failed", zap.Error(err))
			}
		}

	case ReadySignal:
		s.mu.Lock()
		if s.state == StateHandshaking && s.phase == phaseAwaitReadyOK && s.initDone != nil {
			s.state = StateReady
			d := s.initDone
			s.initDone = nil
			d <- nil
			s.log.Info("uci_engine_ready", zap.String("name", s.info.Name))
		}
		s.mu.Unlock()

	case BestMove:
		s.resolveSearch(e, nil)

	case NoMove:
		s.resolveSearch(BestMove{}, ErrNoLegalMove)

	case *SearchProgress:
		s.mu.Lock()
		if q := s.search; q != nil {
			q.last = e
		}
		s.mu.Unlock()
		s.emitProgress(*e)

	case Identity:
		s.mu.Lock()
		if e.Name != "" {
			s.info.Name = e.Name
		}
		if e.Author != "" {
			s.info.Author = e.Author
		}
		s.mu.Unlock()

	case OptionDecl:
		s.mu.Lock()
		s.info.Options = append(s.info.Options, e)
		s.mu.Unlock()
	}
}

func (s *Session) handleExit(code int, waitErr error) {
	s.mu.Lock()
	s.exitCode = code
	quitting := s.quitting
	s.state = StateTerminated
	exitErr := &ExitError{Code: code, Err: waitErr}
	if q := s.search; q != nil {
		s.search = nil
		q.timer.Stop()
		q.finish(BestMove{}, exitErr)
	}
	if d := s.initDone; d != nil {
		s.initDone = nil
		d <- exitErr
	}
	s.closeExited()
	s.mu.Unlock()

	s.closeStdin()
	if quitting {
		s.log.Info("uci_engine_exited", zap.Int("code", code))
	} else {
		s.log.Warn("uci_engine_exited_unexpectedly", zap.Int("code", code), zap.Error(waitErr))
	}
	s.emitExit(code)
}

func (s *Session) send(cmd string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin == nil {
		return errStdinClosed
	}
	s.log.Debug("uci_send", zap.String("cmd", cmd))
	_, err := io.WriteString(s.stdin, cmd+"\n")
	return err
}

func (s *Session) OnProgress(cb ProgressCallback) int {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.nextCbID++
	s.progressCbs = append(s.progressCbs, progressEntry{id: s.nextCbID, cb: cb})
	return s.nextCbID
}

func (s *Session) RemoveProgressCallback(id int) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	for i, e := range s.progressCbs {
		if e.id == id {
			s.progressCbs = append(s.progressCbs[:i], s.progressCbs[i+1:]...)
			return
		}
	}
}

func (s *Session) OnExit(cb ExitCallback) int {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.nextCbID++
	s.exitCbs = append(s.exitCbs, exitEntry{id: s.nextCbID, cb: cb})
	return s.nextCbID
}

func (s *Session) RemoveExitCallback(id int) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	for i, e := range s.exitCbs {
		if e.id == id {
			s.exitCbs = append(s.exitCbs[:i], s.exitCbs[i+1:]...)
			return
		}
	}
}

func (s *Session) emitProgress(p SearchProgress) {
	s.cbMu.RLock()
	cbs := make([]ProgressCallback, 0, len(s.progressCbs))
	for _, e := range s.progressCbs {
		cbs = append(cbs, e.cb)
	}
	s.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(p)
	}
}

func (s *Session) emitExit(code int) {
	s.cbMu.RLock()
	cbs := make([]ExitCallback, 0, len(s.exitCbs))
	for _, e := range s.exitCbs {
		cbs = append(cbs, e.cb)
	}
	s.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(code)
	}
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(strings.TrimSpace(fen))
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	return sb.String()
}

// Search is the pending "go" request. It completes exactly once, with the
// engine's best move, a timeout, or the engine going away.
type Search struct {
	ID      string
	Budget  time.Duration
	Started time.Time

	session *Session
	timer   *time.Timer
	done    chan struct{}
	last    *SearchProgress
	result  BestMove
	err     error
}

// finish is called with the session lock held by whoever removed the search
// from the slot.
func (q *Search) finish(bm BestMove, err error) {
	q.result = bm
	q.err = err
	close(q.done)
}

func (q *Search) Done() <-chan struct{} { return q.done }

// Result is valid once Done is closed.
func (q *Search) Result() (BestMove, error) {
	<-q.done
	return q.result, q.err
}

// LastProgress returns the most recent info report seen during the search.
func (q *Search) LastProgress() *SearchProgress {
	q.session.mu.Lock()
	defer q.session.mu.Unlock()
	return q.last
}

// Wait blocks until the search completes. If ctx ends first the search is
// abandoned: the slot is freed and the engine is told to stop.
func (q *Search) Wait(ctx context.Context) (BestMove, error) {
	select {
	case <-q.done:
	case <-ctx.Done():
		q.session.cancelSearch(q, ctx.Err(), true)
	}
	return q.Result()
}
