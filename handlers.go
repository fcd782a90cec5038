package main

import (
	"embed"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

//go:embed index.html
var staticFS embed.FS

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handlers holds dependencies for the HTTP surface.
type Handlers struct {
	Bridge *Bridge
	Frames *FrameCache
	FPS    int
	Logger *zap.Logger
}

// HandleIndex serves the embedded viewer console.
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("index.html")
	if err != nil {
		http.Error(w, "index.html not found", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleLive upgrades the websocket and dispatches on the role parameter.
// role=source feeds the single upstream session; role=viewer observes the
// mirrored event stream and may inject commands.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	role := strings.ToLower(r.URL.Query().Get("role"))
	if role == "" {
		role = roleSource
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	switch role {
	case roleViewer:
		h.Bridge.runViewer(conn)
	default:
		h.Bridge.runSource(r.Context(), newClient(conn, roleSource, h.Logger))
	}
}

// HandleVideo streams the latest source frame as MJPEG.
func (h *Handlers) HandleVideo(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	ticker := time.NewTicker(time.Second / time.Duration(h.FPS))
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := h.Frames.JPEG()
			if frame == nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
