// Package stream pushes captured exchanges to a real-time collector over a
// persistent connection, queueing them while the connection is down.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netmonhq/netmon-go/pkg/record"
)

// EventNetworkRequest is the event name every record is emitted under.
const EventNetworkRequest = "network_request"

// ErrDisconnected is returned by Connect when Disconnect or Stop won the race
// against an in-progress dial.
var ErrDisconnected = errors.New("netmon: stream disconnected while connecting")

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is an established real-time connection.
type Conn interface {
	// Emit sends v under the given event name.
	Emit(event string, v any) error
	// Done is closed once the connection has dropped.
	Done() <-chan struct{}
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint, apiKey string) (Conn, error)
}

type Config struct {
	Endpoint string
	APIKey   string
	// Enabled turns the streamer on. A disabled streamer ignores every call.
	Enabled bool
	// Dialer defaults to a WebsocketDialer.
	Dialer Dialer
	Logger zerolog.Logger
	// MinBackoff and MaxBackoff bound the reconnect delay used by Start.
	// They default to 1s and 1m.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnEmit observes every emit attempt.
	OnEmit func(err error)
	// OnQueue observes the queue length after it changes.
	OnQueue func(n int)
}

// Streamer owns the connection state and the queue of records waiting for a
// connection. All fields below mu are guarded by it.
type Streamer struct {
	cfg Config

	mu    sync.Mutex
	state State
	conn  Conn
	queue []*record.Exchange

	supMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Streamer {
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{}
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = time.Minute
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	return &Streamer{cfg: cfg}
}

func (s *Streamer) Enabled() bool { return s.cfg.Enabled }

// State returns the current connection state.
func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of queued records.
func (s *Streamer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Send emits rec immediately when connected and queues it otherwise. A
// failed emit queues the record for the next connection.
func (s *Streamer) Send(rec *record.Exchange) {
	if !s.cfg.Enabled || rec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Connected && s.conn != nil {
		if err := s.emit(s.conn, rec); err == nil {
			return
		}
	}
	s.queue = append(s.queue, rec)
	s.queueChanged()
}

// Connect dials the collector when disconnected and then flushes the queue
// oldest first. Records that fail to emit stay queued in their original
// order.
func (s *Streamer) Connect(ctx context.Context) error {
	_, err := s.connect(ctx)
	return err
}

func (s *Streamer) connect(ctx context.Context) (Conn, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}

	s.mu.Lock()
	if s.state != Disconnected {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.state = Connecting
	s.mu.Unlock()

	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.Endpoint, s.cfg.APIKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.state == Connecting {
			s.state = Disconnected
		}
		s.cfg.Logger.Warn().Err(err).Str("endpoint", s.cfg.Endpoint).Msg("real-time connect failed")
		return nil, err
	}
	if s.state != Connecting {
		_ = conn.Close()
		return nil, ErrDisconnected
	}
	s.state = Connected
	s.conn = conn
	s.cfg.Logger.Debug().Str("endpoint", s.cfg.Endpoint).Int("queued", len(s.queue)).Msg("real-time connected")

	queued := s.queue
	s.queue = nil
	for _, rec := range queued {
		if err := s.emit(conn, rec); err != nil {
			s.queue = append(s.queue, rec)
		}
	}
	s.queueChanged()
	return conn, nil
}

// Disconnect closes the connection. Queued records are kept.
func (s *Streamer) Disconnect() {
	if !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = Disconnected
}

// dropped moves to Disconnected if conn is still the active connection.
func (s *Streamer) dropped(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	_ = conn.Close()
	s.conn = nil
	s.state = Disconnected
	s.cfg.Logger.Info().Str("endpoint", s.cfg.Endpoint).Msg("real-time connection dropped")
}

// Start keeps the streamer connected in the background, reconnecting with
// exponential backoff after failures and drops.
func (s *Streamer) Start() {
	if !s.cfg.Enabled {
		return
	}
	s.supMu.Lock()
	defer s.supMu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.supervise(ctx, s.done)
}

// Stop ends the background supervisor and disconnects.
func (s *Streamer) Stop() {
	s.supMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.supMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.Disconnect()
}

func (s *Streamer) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := s.cfg.MinBackoff
	for {
		conn, err := s.connect(ctx)
		if err == nil && conn != nil {
			backoff = s.cfg.MinBackoff
			select {
			case <-conn.Done():
				s.dropped(conn)
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if err != nil {
			backoff *= 2
			if backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
		}
	}
}

// emit must be called with mu held.
func (s *Streamer) emit(conn Conn, rec *record.Exchange) error {
	err := conn.Emit(EventNetworkRequest, rec)
	if s.cfg.OnEmit != nil {
		s.cfg.OnEmit(err)
	}
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Int64("id", rec.ID).Msg("real-time emit failed")
	}
	return err
}

// queueChanged must be called with mu held.
func (s *Streamer) queueChanged() {
	if s.cfg.OnQueue != nil {
		s.cfg.OnQueue(len(s.queue))
	}
}
