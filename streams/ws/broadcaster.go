// Package ws streams engine event records to websocket subscribers as JSON.
package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/defistate/amm-engine-go/events"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// pongTimeout must exceed pingInterval so a healthy client always has a
	// ping to answer before its read deadline lapses.
	pongTimeout = 60 * time.Second
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds the configuration for the broadcaster.
type Config struct {
	Feed   *events.Feed
	Logger Logger

	// BufferSize is the per-subscriber queue depth. A subscriber that falls
	// this far behind is disconnected rather than slowing the engine.
	BufferSize uint

	// Registry receives the broadcaster's metrics.
	Registry prometheus.Registerer
}

func (c *Config) validate() error {
	if c.Feed == nil {
		return errors.New("config: Feed is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.BufferSize < 1 {
		return errors.New("config: BufferSize must be greater than 0")
	}
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	return nil
}

// Broadcaster upgrades HTTP requests to websocket sessions and relays every
// event record to each connected client. Each session subscribes to the feed
// independently; a slow or dead client only loses its own stream.
type Broadcaster struct {
	feed       *events.Feed
	logger     Logger
	bufferSize uint

	upgrader websocket.Upgrader

	subscribers prometheus.Gauge
	dropped     prometheus.Counter
}

// NewBroadcaster creates a broadcaster over an event feed.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	factory := promauto.With(cfg.Registry)
	return &Broadcaster{
		feed:       cfg.Feed,
		logger:     cfg.Logger,
		bufferSize: cfg.BufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "amm",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Currently connected websocket subscribers.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "amm",
			Subsystem: "stream",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers disconnected for falling behind the event stream.",
		}),
	}, nil
}

// ServeHTTP upgrades the request and streams records until the client
// disconnects or falls behind.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	b.subscribers.Inc()
	defer b.subscribers.Dec()
	b.logger.Info("stream subscriber connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	defer close(done)

	subCh := make(chan events.Record, b.bufferSize)
	sub := b.feed.Subscribe(subCh)
	defer sub.Unsubscribe()

	// Publishers call Feed.Send inside engine operations and block on a full
	// subscriber channel. The relay keeps subCh drained no matter how slow
	// this client's writes are: once the write queue fills, further records
	// are discarded and the client is cut loose instead of back-pressuring
	// the engine.
	writeCh := make(chan events.Record, b.bufferSize)
	overflow := make(chan struct{})
	go func() {
		var dropped bool
		for {
			select {
			case record := <-subCh:
				if dropped {
					continue
				}
				select {
				case writeCh <- record:
				default:
					dropped = true
					close(overflow)
				}
			case <-done:
				return
			}
		}
	}()

	// Read pump: the client sends nothing we care about, but reading is what
	// surfaces close frames and keeps pong handling alive.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case record := <-writeCh:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(record); err != nil {
				b.logger.Debug("stream write failed, disconnecting", "remote", r.RemoteAddr, "error", err)
				return
			}

		case <-overflow:
			b.dropped.Inc()
			b.logger.Warn("dropping slow stream subscriber", "remote", r.RemoteAddr, "buffered", len(writeCh))
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case err := <-sub.Err():
			if err != nil {
				b.logger.Error("event subscription failed", "remote", r.RemoteAddr, "error", err)
			}
			return

		case <-closed:
			b.logger.Info("stream subscriber disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}
