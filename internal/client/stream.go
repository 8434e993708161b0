package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-uci/pkg/enginedto"
)

type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
	StreamFailed       StreamState = "failed"
)

type ProgressCallback func(frame enginedto.ProgressFrame)

type StateCallback func(state StreamState)

type progressEntry struct {
	id       int
	callback ProgressCallback
}

type stateEntry struct {
	id       int
	callback StateCallback
}

// ProgressStream follows the server's progress websocket and reconnects
// with backoff when the connection drops.
type ProgressStream struct {
	wsURL string

	conn   *websocket.Conn
	state  StreamState
	stateM sync.RWMutex

	progressCbs []progressEntry
	stateCbs    []stateEntry
	nextCbID    int
	cbM         sync.RWMutex

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

func NewProgressStream(wsURL string, maxReconnectAttempts int, reconnectDelay time.Duration) *ProgressStream {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &ProgressStream{
		wsURL:                wsURL,
		state:                StreamDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectDelay:       reconnectDelay,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
		rootCtx:              rootCtx,
		rootCancel:           rootCancel,
	}
}

// SetHeaderProvider injects headers into the websocket handshake.
func (ps *ProgressStream) SetHeaderProvider(h HeaderProvider) {
	ps.headerProvider = h
}

func (ps *ProgressStream) State() StreamState {
	ps.stateM.RLock()
	defer ps.stateM.RUnlock()
	return ps.state
}

func (ps *ProgressStream) Connect(ctx context.Context) error {
	ps.stateM.Lock()
	if ps.state == StreamConnected || ps.state == StreamConnecting {
		ps.stateM.Unlock()
		return nil
	}
	ps.stateM.Unlock()
	ps.setState(StreamConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := ps.dial(dialCtx)
	if err != nil {
		ps.setState(StreamFailed)
		ps.scheduleReconnect()
		return err
	}
	ps.attach(conn)
	return nil
}

func (ps *ProgressStream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, ps.wsURL, &websocket.DialOptions{
		HTTPHeader: ps.buildHeaders(),
	})
	return conn, err
}

func (ps *ProgressStream) attach(conn *websocket.Conn) {
	ps.stateM.Lock()
	ps.conn = conn
	ps.stateM.Unlock()
	ps.setState(StreamConnected)

	ps.wg.Add(2)
	go ps.listen(conn)
	go ps.pingLoop(conn)
}

func (ps *ProgressStream) listen(conn *websocket.Conn) {
	defer ps.wg.Done()
	for {
		var frame enginedto.ProgressFrame
		if err := wsjson.Read(ps.rootCtx, conn, &frame); err != nil {
			if ps.isStopping() {
				return
			}
			ps.setState(StreamDisconnected)
			ps.closeConn(conn, websocket.StatusGoingAway, "reconnect")
			ps.scheduleReconnect()
			return
		}

		ps.cbM.RLock()
		callbacks := make([]progressEntry, len(ps.progressCbs))
		copy(callbacks, ps.progressCbs)
		ps.cbM.RUnlock()
		for _, entry := range callbacks {
			entry.callback(frame)
		}
	}
}

func (ps *ProgressStream) pingLoop(conn *websocket.Conn) {
	defer ps.wg.Done()
	t := time.NewTicker(ps.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ps.stopCh:
			return
		case <-ps.rootCtx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(ps.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				// listen notices the closed conn and reconnects
				ps.closeConn(conn, websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (ps *ProgressStream) scheduleReconnect() {
	if ps.maxReconnectAttempts <= 0 {
		ps.setState(StreamFailed)
		return
	}
	ps.setState(StreamReconnecting)

	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		for attempt := 1; attempt <= ps.maxReconnectAttempts; attempt++ {
			select {
			case <-ps.stopCh:
				return
			case <-time.After(ps.reconnectDelay + backoffDuration(attempt)):
			}

			dialCtx, cancel := context.WithTimeout(ps.rootCtx, 10*time.Second)
			conn, err := ps.dial(dialCtx)
			cancel()
			if err != nil {
				continue
			}
			if ps.isStopping() {
				_ = conn.Close(websocket.StatusNormalClosure, "close")
				return
			}
			ps.attach(conn)
			return
		}
		ps.setState(StreamFailed)
	}()
}

func (ps *ProgressStream) OnProgress(cb ProgressCallback) int {
	ps.cbM.Lock()
	defer ps.cbM.Unlock()
	ps.nextCbID++
	ps.progressCbs = append(ps.progressCbs, progressEntry{id: ps.nextCbID, callback: cb})
	return ps.nextCbID
}

func (ps *ProgressStream) RemoveProgressCallback(id int) {
	ps.cbM.Lock()
	defer ps.cbM.Unlock()
	for i, cb := range ps.progressCbs {
		if cb.id == id {
			ps.progressCbs = append(ps.progressCbs[:i], ps.progressCbs[i+1:]...)
			break
		}
	}
}

func (ps *ProgressStream) OnStateChange(cb StateCallback) int {
	ps.cbM.Lock()
	defer ps.cbM.Unlock()
	ps.nextCbID++
	ps.stateCbs = append(ps.stateCbs, stateEntry{id: ps.nextCbID, callback: cb})
	return ps.nextCbID
}

func (ps *ProgressStream) RemoveStateCallback(id int) {
	ps.cbM.Lock()
	defer ps.cbM.Unlock()
	for i, cb := range ps.stateCbs {
		if cb.id == id {
			ps.stateCbs = append(ps.stateCbs[:i], ps.stateCbs[i+1:]...)
			break
		}
	}
}

func (ps *ProgressStream) setState(state StreamState) {
	ps.stateM.Lock()
	ps.state = state
	ps.stateM.Unlock()

	ps.cbM.RLock()
	callbacks := make([]stateEntry, len(ps.stateCbs))
	copy(callbacks, ps.stateCbs)
	ps.cbM.RUnlock()
	for _, entry := range callbacks {
		entry.callback(state)
	}
}

// Close stops reconnecting, closes the connection and waits for the
// reader goroutines.
func (ps *ProgressStream) Close(ctx context.Context) error {
	ps.stopOnce.Do(func() { close(ps.stopCh) })
	ps.stateM.RLock()
	conn := ps.conn
	ps.stateM.RUnlock()
	if conn != nil {
		ps.closeConn(conn, websocket.StatusNormalClosure, "close")
	}
	ps.rootCancel()

	done := make(chan struct{})
	go func() {
		ps.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		ps.setState(StreamDisconnected)
		return nil
	}
}

func (ps *ProgressStream) closeConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	ps.stateM.Lock()
	if ps.conn == conn {
		ps.conn = nil
	}
	ps.stateM.Unlock()
	_ = conn.Close(code, reason)
}

func (ps *ProgressStream) isStopping() bool {
	select {
	case <-ps.stopCh:
		return true
	default:
		return false
	}
}

func (ps *ProgressStream) buildHeaders() http.Header {
	hdr := http.Header{}
	if ps.headerProvider == nil {
		return hdr
	}
	for k, v := range ps.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
