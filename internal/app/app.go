// Package app runs annotation flows for sessions: it validates uploads,
// stages files, drives the media loop and records the outcome.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ayusman/drishti/internal/capture"
	"github.com/ayusman/drishti/internal/session"
	"github.com/ayusman/drishti/internal/store"
	"gocv.io/x/gocv"
)

// Output naming and fallbacks.
const (
	ImageArtifactName = "annotated_image.jpg"
	VideoArtifactName = "annotated_video.mp4"
	ImageMIME         = "image/jpeg"
	VideoMIME         = "video/mp4"

	// FallbackFPS is used when the input does not report a frame rate.
	FallbackFPS = 20.0
	// DefaultCodec is the FourCC of the output video.
	DefaultCodec = "mp4v"

	// progressEvery is how often, in frames, the session record is updated.
	progressEvery = 10
	// partialPrefix marks an output that is still being encoded.
	partialPrefix = "partial_"
)

// Media kinds recorded on a session.
const (
	KindImage = "image"
	KindVideo = "video"
)

var (
	// ErrUnsupportedFormat is returned for uploads with an unknown extension.
	ErrUnsupportedFormat = errors.New("unsupported media format")
	// ErrEmptyImage is returned when an image cannot be decoded.
	ErrEmptyImage = errors.New("image could not be decoded")
)

// Accepted upload extensions.
var (
	ImageExtensions = []string{".jpg", ".jpeg", ".png"}
	VideoExtensions = []string{".mp4", ".avi", ".mov"}
)

// SourceOpener opens a decoder for a staged video file.
type SourceOpener func(path string) (capture.Source, error)

// SinkCreator opens an encoder for the output video.
type SinkCreator func(path, codec string, fps float64, width, height int) (capture.Sink, error)

// Config holds configuration options for the application.
type Config struct {
	Store    *store.Store
	Sessions *session.Manager

	Codec      string
	OutputFPS  float64 // 0 follows the input
	SessionTTL time.Duration

	// OpenSource and CreateSink default to the file-backed capture types.
	OpenSource SourceOpener
	CreateSink SinkCreator
}

// Artifact is an annotated output ready for download.
type Artifact struct {
	Name       string `json:"name"`
	Path       string `json:"-"`
	MIME       string `json:"mime"`
	Frames     int    `json:"frames"`
	Detections int    `json:"detections"`
}

// App ties sessions, the media loop and the session registry together.
type App struct {
	config   Config
	sessions *session.Manager
	store    *store.Store
}

// New creates a new App instance with the given configuration.
func New(config Config) *App {
	if config.Codec == "" {
		config.Codec = DefaultCodec
	}
	if config.OpenSource == nil {
		config.OpenSource = func(path string) (capture.Source, error) {
			return capture.OpenFile(path)
		}
	}
	if config.CreateSink == nil {
		config.CreateSink = func(path, codec string, fps float64, w, h int) (capture.Sink, error) {
			return capture.CreateFile(path, codec, fps, w, h)
		}
	}

	return &App{
		config:   config,
		sessions: config.Sessions,
		store:    config.Store,
	}
}

// CreateSession parses classText and registers a new session.
func (a *App) CreateSession(classText string) (*session.Session, error) {
	s, err := a.sessions.Create(classText)
	if err != nil {
		return nil, err
	}

	if err := a.store.Sessions().Create(&store.SessionRecord{ID: s.ID, Labels: s.Labels}); err != nil {
		a.sessions.Delete(s.ID)
		return nil, fmt.Errorf("record session: %w", err)
	}
	return s, nil
}

// Session returns a live session.
func (a *App) Session(id string) (*session.Session, error) {
	return a.sessions.Get(id)
}

// SessionRecord returns the stored status of a live session.
func (a *App) SessionRecord(id string) (*store.SessionRecord, error) {
	if _, err := a.sessions.Get(id); err != nil {
		return nil, err
	}
	rec, err := a.store.Sessions().GetByID(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	return rec, err
}

// ReleaseSession closes a session and forgets its record.
func (a *App) ReleaseSession(id string) error {
	if err := a.sessions.Delete(id); err != nil {
		return err
	}
	if err := a.store.Sessions().Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("Error deleting session record %s: %v", id, err)
	}
	return nil
}

// ProcessImage annotates one uploaded image and stores the result as
// annotated_image.jpg in the session work dir.
func (a *App) ProcessImage(ctx context.Context, id, filename string, data []byte) (*Artifact, error) {
	if _, err := checkExtension(filename, ImageExtensions); err != nil {
		return nil, err
	}

	s, err := a.acquire(id)
	if err != nil {
		return nil, err
	}
	defer s.Release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.markStarted(id, KindImage)

	out, n, err := runImage(s, data)
	if err != nil {
		a.markFailed(id, err)
		return nil, err
	}

	path := filepath.Join(s.WorkDir(), ImageArtifactName)
	if err := writeArtifact(path, out); err != nil {
		a.markFailed(id, err)
		return nil, err
	}

	artifact := &Artifact{Name: ImageArtifactName, Path: path, MIME: ImageMIME, Frames: 1, Detections: n}
	a.markFinished(id, artifact)
	log.Printf("Session %s: image annotated with %d detections", id, n)
	return artifact, nil
}

// ProcessVideo stages an uploaded video, annotates every frame and writes
// annotated_video.mp4 in the session work dir. obs may be nil.
func (a *App) ProcessVideo(ctx context.Context, id, filename string, r io.Reader, obs Observer) (*Artifact, error) {
	ext, err := checkExtension(filename, VideoExtensions)
	if err != nil {
		return nil, err
	}

	s, err := a.acquire(id)
	if err != nil {
		return nil, err
	}
	defer s.Release()

	a.markStarted(id, KindVideo)

	artifact, err := a.processVideo(ctx, s, ext, r, obs)
	if err != nil {
		a.markFailed(id, err)
		return nil, err
	}

	a.markFinished(id, artifact)
	log.Printf("Session %s: video annotated, %d frames, %d detections", id, artifact.Frames, artifact.Detections)
	return artifact, nil
}

func (a *App) processVideo(ctx context.Context, s *session.Session, ext string, r io.Reader, obs Observer) (*Artifact, error) {
	inPath := filepath.Join(s.WorkDir(), "input"+ext)
	if err := stage(inPath, r); err != nil {
		return nil, err
	}
	defer os.Remove(inPath)

	src, err := a.config.OpenSource(inPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	// A failed run leaves the previous artifact untouched.
	outPath := filepath.Join(s.WorkDir(), VideoArtifactName)
	partPath := filepath.Join(s.WorkDir(), partialPrefix+VideoArtifactName)
	fps := a.outputFPS(src.FPS())
	sink, err := a.config.CreateSink(partPath, a.config.Codec, fps, src.Width(), src.Height())
	if err != nil {
		return nil, err
	}
	defer os.Remove(partPath)
	defer sink.Close()

	tracker := &progressTracker{id: s.ID, repo: a.store.Sessions()}
	frames, err := RunVideo(ctx, s, src, sink, Observers(tracker, withSession(s.ID, obs)))
	if err != nil {
		return nil, err
	}

	// Flush the container before it is served.
	if err := sink.Close(); err != nil {
		return nil, fmt.Errorf("finalize video: %w", err)
	}
	if err := os.Rename(partPath, outPath); err != nil {
		return nil, fmt.Errorf("finalize video: %w", err)
	}

	return &Artifact{
		Name:       VideoArtifactName,
		Path:       outPath,
		MIME:       VideoMIME,
		Frames:     frames,
		Detections: tracker.detections,
	}, nil
}

// Artifact returns the last artifact produced by a session.
func (a *App) Artifact(id string) (*Artifact, error) {
	if _, err := a.sessions.Get(id); err != nil {
		return nil, err
	}

	rec, err := a.store.Artifacts().Latest(id)
	if err != nil {
		return nil, err
	}
	return &Artifact{Name: rec.Name, Path: rec.Path, MIME: rec.MIME, Frames: rec.Frames}, nil
}

// Reap releases sessions idle for longer than the configured TTL.
func (a *App) Reap() []string {
	ids := a.sessions.Reap(a.config.SessionTTL)
	for _, id := range ids {
		if err := a.store.Sessions().Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("Error deleting session record %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("Reaped %d idle sessions", len(ids))
	}
	return ids
}

// SessionCount returns the number of live sessions.
func (a *App) SessionCount() int {
	return a.sessions.Len()
}

// SessionRecords returns the stored status of every live session, newest first.
func (a *App) SessionRecords() ([]*store.SessionRecord, error) {
	return a.store.Sessions().List()
}

// ReleaseAll closes every session and clears the registry.
func (a *App) ReleaseAll() {
	a.sessions.CloseAll()
	if _, err := a.store.Sessions().DeleteAll(); err != nil {
		log.Printf("Error clearing session records: %v", err)
	}
}

// Close releases every session.
func (a *App) Close() {
	a.ReleaseAll()
}

func (a *App) acquire(id string) (*session.Session, error) {
	s, err := a.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.TryAcquire(); err != nil {
		return nil, err
	}
	return s, nil
}

// outputFPS picks the output frame rate for an input reporting inputFPS.
func (a *App) outputFPS(inputFPS float64) float64 {
	if a.config.OutputFPS > 0 {
		return a.config.OutputFPS
	}
	if inputFPS > 0 && !math.IsInf(inputFPS, 0) && !math.IsNaN(inputFPS) {
		return inputFPS
	}
	return FallbackFPS
}

func (a *App) markStarted(id, kind string) {
	if err := a.store.Sessions().StartProcessing(id, kind); err != nil {
		log.Printf("Error updating session %s: %v", id, err)
	}
}

func (a *App) markFailed(id string, cause error) {
	log.Printf("Session %s failed: %v", id, cause)
	if err := a.store.Sessions().Fail(id, cause); err != nil {
		log.Printf("Error updating session %s: %v", id, err)
	}
}

func (a *App) markFinished(id string, artifact *Artifact) {
	rec := &store.ArtifactRecord{
		SessionID: id,
		Name:      artifact.Name,
		Path:      artifact.Path,
		MIME:      artifact.MIME,
		Frames:    artifact.Frames,
	}
	if err := a.store.Artifacts().Create(rec); err != nil {
		log.Printf("Error recording artifact for %s: %v", id, err)
	}
	if err := a.store.Sessions().Finish(id, artifact.Frames, artifact.Detections); err != nil {
		log.Printf("Error updating session %s: %v", id, err)
	}
}

// checkExtension returns the lowercased extension of filename if it is allowed.
func checkExtension(filename string, allowed []string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(allowed, ext) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return ext, nil
}

// writeArtifact replaces path with data only once data is fully written.
func writeArtifact(path string, data []byte) error {
	part := filepath.Join(filepath.Dir(path), partialPrefix+filepath.Base(path))
	if err := os.WriteFile(part, data, 0644); err != nil {
		os.Remove(part)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

func stage(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("stage upload: %w", err)
	}
	return f.Close()
}

// withSession stamps the session ID on events before passing them on.
func withSession(id string, obs Observer) Observer {
	if obs == nil {
		return nil
	}
	return ObserverFunc(func(p Progress, frame *gocv.Mat) {
		p.SessionID = id
		obs.Observe(p, frame)
	})
}

// progressTracker mirrors loop progress into the session record.
type progressTracker struct {
	id         string
	repo       *store.SessionRepository
	detections int
}

func (t *progressTracker) Observe(p Progress, _ *gocv.Mat) {
	t.detections = p.Detections
	if p.Done || p.Frame%progressEvery != 0 {
		return
	}
	if err := t.repo.UpdateProgress(t.id, p.Frame, p.Detections); err != nil {
		log.Printf("Error updating progress for %s: %v", t.id, err)
	}
}
