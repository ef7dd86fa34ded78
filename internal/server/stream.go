package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"gocv.io/x/gocv"

	"github.com/ayusman/drishti/internal/app"
)

// previewInterval limits encoding and streaming to about 15 FPS.
const previewInterval = 66 * time.Millisecond

type previewFrame struct {
	jpeg    []byte
	seq     uint64
	encoded time.Time
}

// PreviewHub keeps the latest annotated frame of each session and serves
// it as an MJPEG stream.
type PreviewHub struct {
	exists   func(id string) bool
	interval time.Duration
	frames   map[string]*previewFrame
	mu       sync.Mutex
}

// NewPreviewHub creates a hub. exists reports whether a session is live.
func NewPreviewHub(exists func(id string) bool) *PreviewHub {
	return &PreviewHub{
		exists:   exists,
		interval: previewInterval,
		frames:   make(map[string]*previewFrame),
	}
}

// Observer returns an app.Observer that records frames of session id.
func (h *PreviewHub) Observer(id string) app.Observer {
	return app.ObserverFunc(func(_ app.Progress, frame *gocv.Mat) {
		if frame == nil {
			return
		}
		h.Update(id, frame)
	})
}

// Update encodes frame as the latest preview of session id, unless the
// previous one is younger than the preview interval.
func (h *PreviewHub) Update(id string, frame *gocv.Mat) {
	h.mu.Lock()
	prev := h.frames[id]
	h.mu.Unlock()
	if prev != nil && time.Since(prev.encoded) < h.interval {
		return
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return
	}
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	buf.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	next := &previewFrame{jpeg: data, encoded: time.Now(), seq: 1}
	if cur := h.frames[id]; cur != nil {
		next.seq = cur.seq + 1
	}
	h.frames[id] = next
}

// Latest returns the latest JPEG of session id and its sequence number.
func (h *PreviewHub) Latest(id string) ([]byte, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.frames[id]
	if f == nil {
		return nil, 0
	}
	return f.jpeg, f.seq
}

// Forget drops the preview of session id.
func (h *PreviewHub) Forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.frames, id)
}

// ForgetAll drops every preview.
func (h *PreviewHub) ForgetAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = make(map[string]*previewFrame)
}

// ServeHTTP streams MJPEG frames for /api/sessions/{id}/preview.
func (h *PreviewHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.exists(id) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var sent uint64
	for {
		if data, seq := h.Latest(id); seq != sent && data != nil {
			// Write MJPEG frame
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(data))
			if _, err := w.Write(data); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			sent = seq

			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		if !h.exists(id) {
			return
		}
	}
}
