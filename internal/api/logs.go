package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// sseKeepAlive is how often an idle log stream sends a comment line.
const sseKeepAlive = 15 * time.Second

// sseStream writes server-sent events and flushes each one.
type sseStream struct {
	w  io.Writer
	rc *http.ResponseController
}

// send writes one event. An empty name leaves the client's default "message"
// type. Each line of data gets its own data field.
func (s sseStream) send(name, data string) error {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "event: %s\n", name)
	}
	for seg := range strings.SplitSeq(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", seg)
	}
	b.WriteByte('\n')
	return s.write(b.String())
}

func (s sseStream) comment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s sseStream) write(chunk string) error {
	if _, err := io.WriteString(s.w, chunk); err != nil {
		return err
	}
	if s.rc == nil {
		return nil
	}
	if err := s.rc.Flush(); err != nil && err != http.ErrNotSupported {
		return err
	}
	return nil
}

// handleStreamLogs tails the lines printed by a function's invocations. The
// stream ends with a "done" event when the function is updated or deleted.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFunction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, "get function for logs", err)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && err != http.ErrNotSupported {
		s.logger.Warn("clear write deadline for log stream", "error", err)
	}

	lines, unsubscribe := s.engine.Broker().Subscribe(f.Route)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	stream := sseStream{w: w, rc: rc}
	if err := stream.comment("tailing " + f.Route); err != nil {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				_ = stream.send("done", "stream complete")
				return
			}
			data, err := json.Marshal(line)
			if err != nil {
				s.logger.Error("encode log line", "route", f.Route, "error", err)
				continue
			}
			if err := stream.send("log", string(data)); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
