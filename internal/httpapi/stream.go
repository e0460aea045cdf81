package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/optimirror/internal/optimirror"
)

const (
	streamBufferSize  = 64
	streamWriteWindow = 10 * time.Second
)

// handleEventStream upgrades the request to a websocket and forwards
// lifecycle events as JSON messages. The dataType query parameter narrows
// the stream to one record type; by default every event is delivered. A
// subscriber that cannot keep up is disconnected rather than allowed to
// stall the notifier.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	dataType := strings.TrimSpace(r.URL.Query().Get("dataType"))
	if dataType == "" {
		dataType = optimirror.SubscribeAll
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the handshake failure.
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events := make(chan optimirror.Event, streamBufferSize)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	unsubscribe := s.coord.Events().Subscribe(dataType, func(evt optimirror.Event) {
		select {
		case events <- evt:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	ctx := r.Context()
	// Read side only watches for client close.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readerDone:
			return
		case <-overflow:
			conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			return
		case evt := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteWindow)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
