package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // progress events carry no plaintext or key material
	},
}

// handleUploadEvents handles GET /api/v1/uploads/{id}/events. It streams
// the job's events as JSON text messages and closes normally after the
// terminal event. The id may name a job that has not been submitted yet.
func (h *Handler) handleUploadEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.jobs.Watch(id)
	if err != nil {
		h.writeError(w, r, ErrInvalidUploadID)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.WithError(err).WithField("job_id", id).Debug("Upload events upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := job.Subscribe()
	defer cancel()

	log := h.logger.WithFields(logrus.Fields{"job_id": id, "request_id": getRequestID(r)})
	log.Debug("Upload events subscriber connected")

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
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
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("Upload events write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			log.Debug("Upload events subscriber disconnected")
			return
		}
	}
}
