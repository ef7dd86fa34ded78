package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ayusman/drishti/internal/app"
	"github.com/ayusman/drishti/internal/store"
)

// multipartMemory is how much of an upload is buffered before spilling to disk.
const multipartMemory = 32 << 20

// Config configures a SessionHandler.
type Config struct {
	App            *app.App
	DefaultClasses string
	MaxUploadBytes int64

	// Observer returns extra listeners for a session's video loop. Optional.
	Observer func(sessionID string) app.Observer
	// OnRelease is called after a session has been deleted. Optional.
	OnRelease func(sessionID string)
}

// SessionHandler handles HTTP requests for session resources.
type SessionHandler struct {
	config Config
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(config Config) *SessionHandler {
	return &SessionHandler{config: config}
}

// Mount registers the session routes on r, which is expected to be
// mounted at /api/sessions.
func (h *SessionHandler) Mount(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Delete("/{id}", h.delete)
	r.Post("/{id}/image", h.image)
	r.Post("/{id}/video", h.video)
	r.Get("/{id}/artifact", h.artifact)
}

// Request and response types

type createSessionRequest struct {
	Classes *string `json:"classes"`
}

type sessionResponse struct {
	ID         string            `json:"id"`
	Labels     []string          `json:"labels"`
	Colors     map[string]string `json:"colors,omitempty"`
	Status     string            `json:"status"`
	MediaKind  string            `json:"media_kind,omitempty"`
	Frames     int               `json:"frames"`
	Detections int               `json:"detections"`
	Error      string            `json:"error,omitempty"`
	Artifact   *artifactResponse `json:"artifact,omitempty"`
	CreatedAt  string            `json:"created_at,omitempty"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
}

type artifactResponse struct {
	Name   string `json:"name"`
	MIME   string `json:"mime"`
	Frames int    `json:"frames"`
	URL    string `json:"url"`
}

type configResponse struct {
	DefaultClasses  string   `json:"default_classes"`
	ImageExtensions []string `json:"image_extensions"`
	VideoExtensions []string `json:"video_extensions"`
	MaxUploadBytes  int64    `json:"max_upload_bytes"`
}

// ServeConfig handles GET /api/config.
func (h *SessionHandler) ServeConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		DefaultClasses:  h.config.DefaultClasses,
		ImageExtensions: app.ImageExtensions,
		VideoExtensions: app.VideoExtensions,
		MaxUploadBytes:  h.config.MaxUploadBytes,
	})
}

// create handles POST /api/sessions.
// The body is JSON {"classes": "..."} or a form with a classes field.
// A missing field uses the default class text; an empty one is allowed.
func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	classes, err := h.readClasses(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.config.App.CreateSession(classes)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{
		ID:        s.ID,
		Labels:    s.Labels,
		Colors:    s.Colors.HexMap(),
		Status:    string(store.StatusCreated),
		CreatedAt: s.CreatedAt().Format(time.RFC3339),
	})
}

// list handles GET /api/sessions. It reads the registry only, so listing
// does not count as session activity.
func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	records, err := h.config.App.SessionRecords()
	if err != nil {
		writeFailure(w, err)
		return
	}

	sessions := make([]sessionResponse, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, recordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func recordResponse(rec *store.SessionRecord) sessionResponse {
	return sessionResponse{
		ID:         rec.ID,
		Labels:     rec.Labels,
		Status:     string(rec.Status),
		MediaKind:  rec.MediaKind,
		Frames:     rec.Frames,
		Detections: rec.Detections,
		Error:      rec.Error,
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  rec.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *SessionHandler) readClasses(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/json" {
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("invalid request body: %w", err)
		}
		if req.Classes == nil {
			return h.config.DefaultClasses, nil
		}
		return *req.Classes, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("invalid form: %w", err)
	}
	if _, ok := r.PostForm["classes"]; !ok {
		return h.config.DefaultClasses, nil
	}
	return r.PostForm.Get("classes"), nil
}

// get handles GET /api/sessions/{id}.
func (h *SessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, err := h.config.App.Session(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	rec, err := h.config.App.SessionRecord(id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	resp := recordResponse(rec)
	resp.Labels = s.Labels
	resp.Colors = s.Colors.HexMap()
	if a, err := h.config.App.Artifact(id); err == nil {
		resp.Artifact = &artifactResponse{
			Name:   a.Name,
			MIME:   a.MIME,
			Frames: a.Frames,
			URL:    "/api/sessions/" + id + "/artifact",
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// delete handles DELETE /api/sessions/{id}.
func (h *SessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.config.App.ReleaseSession(id); err != nil {
		writeFailure(w, err)
		return
	}
	if h.config.OnRelease != nil {
		h.config.OnRelease(id)
	}

	w.WriteHeader(http.StatusNoContent)
}

// image handles POST /api/sessions/{id}/image and replies with the
// annotated JPEG as an attachment.
func (h *SessionHandler) image(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	file, header, ok := h.upload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	artifact, err := h.config.App.ProcessImage(r.Context(), id, header.Filename, data)
	if err != nil {
		writeFailure(w, err)
		return
	}

	serveArtifact(w, r, artifact)
}

// video handles POST /api/sessions/{id}/video and replies with the
// annotated MP4 as an attachment.
func (h *SessionHandler) video(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	file, header, ok := h.upload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	var obs app.Observer
	if h.config.Observer != nil {
		obs = h.config.Observer(id)
	}

	artifact, err := h.config.App.ProcessVideo(r.Context(), id, header.Filename, file, obs)
	if err != nil {
		writeFailure(w, err)
		return
	}

	serveArtifact(w, r, artifact)
}

// artifact handles GET /api/sessions/{id}/artifact.
func (h *SessionHandler) artifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.config.App.Artifact(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	serveArtifact(w, r, artifact)
}

// upload reads the multipart "file" field, writing an error response on failure.
func (h *SessionHandler) upload(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	if h.config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return nil, nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to get file")
		return nil, nil, false
	}
	return file, header, true
}

func serveArtifact(w http.ResponseWriter, r *http.Request, a *app.Artifact) {
	f, err := os.Open(a.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "Artifact not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error accessing artifact")
		return
	}

	w.Header().Set("Content-Type", a.MIME)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	w.Header().Set("X-Frames", fmt.Sprint(a.Frames))
	http.ServeContent(w, r, a.Name, info.ModTime(), f)
}
