package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/internal/config"
	"github.com/pitabwire/statusflow/internal/observability"
	"github.com/pitabwire/statusflow/internal/workflow"
	"github.com/pitabwire/statusflow/model"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamReadLimit  = 512
	streamBuffer     = 64
)

var errStreamClosed = errors.New("stream closed")

// newUpgrader accepts same-origin requests, requests without an Origin
// header, and origins listed in the CORS configuration.
func newUpgrader(cfg config.CORSConfig) *websocket.Upgrader {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origins["*"] || origins[origin] {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}

// handleStream upgrades to a WebSocket and writes one JSON frame per
// change of the entity, starting with a snapshot. Frames arrive in commit
// order. The stream ends when the client closes the connection or stops
// answering pings.
func handleStream(engine *workflow.Engine, upgrader *websocket.Upgrader, fallback *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ent, ok := loadOwnedEntity(w, r, engine)
		if !ok {
			return
		}
		logger := observability.LoggerFrom(r.Context(), fallback).With(zap.String("entity_id", ent.ID))

		send := make(chan []byte, streamBuffer)
		closed := make(chan struct{})

		// 1. Subscribe before upgrading so failures still get a JSON error.
		sub, err := engine.Subscribe(r.Context(), ent.ID, func(ctx context.Context, change model.Change) error {
			frame, err := json.Marshal(change)
			if err != nil {
				return err
			}
			select {
			case send <- frame:
				return nil
			case <-closed:
				return errStreamClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		defer sub.Cancel()

		// 2. Upgrade. The upgrader has already written an error response on
		// failure.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			close(closed)
			return
		}

		// 3. Pump frames until either side gives up.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			writePump(conn, send, closed, logger)
		}()
		readPump(conn)

		sub.Cancel()
		close(closed)
		<-writerDone
		_ = conn.Close()
		logger.Debug("stream closed")
	}
}

// readPump discards client messages and returns when the connection fails
// or the client stops answering pings.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump writes queued frames and pings. A failed write closes the
// connection, which ends readPump.
func writePump(conn *websocket.Conn, send <-chan []byte, closed <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-closed:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteWait))
			return
		}
	}
}
