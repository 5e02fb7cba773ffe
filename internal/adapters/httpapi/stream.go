package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/skysync/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096 // el cliente solo manda control frames
	sendBuffer     = 8
)

// handleStream sube la conexión a WebSocket y empuja un snapshot JSON por
// cada actualización del grupo. La suscripción se crea antes del upgrade
// para que una clave inválida responda 400 normal.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	send := make(chan domain.Snapshot, sendBuffer)

	unsubscribe, err := s.engine.Subscribe(chi.URLParam(r, "key"), func(snap domain.Snapshot) {
		// Nunca bloquear al notificador: si el cliente va lento se pierde la
		// actualización y llegará la siguiente.
		select {
		case send <- snap:
		default:
			slog.Warn("stream client slow, dropping update", "conn", connID, "group", snap.GroupKey)
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade ya respondió al cliente.
		slog.Warn("websocket upgrade failed", "conn", connID, "err", err)
		return
	}
	defer conn.Close()

	log := slog.With("conn", connID, "group", domain.NormalizeKey(chi.URLParam(r, "key")))
	log.Info("stream client connected")
	defer log.Info("stream client disconnected")

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, send, done, log)
}

// readPump descarta lo que mande el cliente y detecta el cierre.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan domain.Snapshot, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case snap := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(toSnapshotJSON(snap)); err != nil {
				log.Debug("stream write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
