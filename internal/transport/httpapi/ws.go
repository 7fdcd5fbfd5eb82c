package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"voxelbench.ai/internal/persistence/deliverylog"
	"voxelbench.ai/internal/stream"
)

const wsWriteWait = 5 * time.Second

// wsLines sends every line written to it as one text frame.
type wsLines struct {
	conn *websocket.Conn
}

func (w wsLines) Write(p []byte) (int, error) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(p, "\n")); err != nil {
		return 0, err
	}
	return len(p), nil
}

// handleWS serves the stream event sequence as WebSocket text frames.
// Lookup and preparation failures are answered before the upgrade with
// the same statuses as the ndjson route.
func (s *Server) handleWS(rw http.ResponseWriter, r *http.Request) {
	start := s.clk.Now()
	req, err := parseRequest(r)
	rw.Header().Set("X-Request-Id", req.id)
	rec := deliverylog.Record{RequestID: req.id, BuildID: req.buildID, Variant: string(req.variant), Checksum: req.checksum, Transport: "ws"}
	if err != nil {
		s.fail(rw, &rec, start, http.StatusBadRequest, err)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		s.fail(rw, &rec, start, http.StatusBadRequest, errNotUpgrade)
		return
	}

	b, pb, status, err := s.load(r.Context(), req.buildID)
	if err != nil {
		s.fail(rw, &rec, start, status, err)
		return
	}

	conn, err := s.upgrader.Upgrade(rw, r, http.Header{"X-Request-Id": []string{req.id}})
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reader loop: the client sends nothing, but a read error is how a
	// disconnect shows up.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	w := stream.NewWriter(wsLines{conn: conn}, s.clk)
	err = s.deliver(ctx, w, req, b, pb, &rec)
	if err == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"),
			time.Now().Add(time.Second))
	}
	rec.Status = http.StatusSwitchingProtocols
	rec.Bytes = w.Written()
	s.finish(ctx, &rec, start, err)
	s.builds.RecordServe(req.buildID)
}
