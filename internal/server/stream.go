package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/TobiSchelling/sessionscope/internal/analysis"
)

// wsSink writes events as JSON text messages.
type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) Emit(ctx context.Context, e analysis.Event) error {
	data, err := analysis.MarshalEvent(e)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// handleStream is the progress channel. The client sends one request, then
// receives events until the terminal one, after which the socket is closed.
// A client disconnect cancels the run.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sink := wsSink{conn: conn}
	_, data, err := conn.Read(r.Context())
	if err != nil {
		return
	}
	var req analyzeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		sink.Emit(r.Context(), analysis.ErrorEvent{Message: "invalid request"})
		conn.Close(websocket.StatusUnsupportedData, "invalid request")
		return
	}

	// Nothing else is read; CloseRead keeps control frames flowing and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	log := s.logger.With("kind", kind)
	if req.ID != "" {
		log.Info("stream reanalyze", "id", req.ID, "model", req.Model)
		_, err = s.svc.Reanalyze(ctx, kind, req.ID, req.Model, sink)
	} else {
		log.Info("stream analyze", "model", req.Model)
		_, err = s.svc.Analyze(ctx, kind, req.Scope, req.Model, sink)
	}
	if err != nil && analysis.KindOf(err) == analysis.Transport {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
