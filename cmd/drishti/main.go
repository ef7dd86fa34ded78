package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ayusman/drishti/internal/app"
	"github.com/ayusman/drishti/internal/config"
	"github.com/ayusman/drishti/internal/detector"
	"github.com/ayusman/drishti/internal/server"
	"github.com/ayusman/drishti/internal/session"
	"github.com/ayusman/drishti/internal/store"
	"github.com/ayusman/drishti/internal/tray"
)

func main() {
	fmt.Println("drishti - zero-shot detection annotator")

	cfg := config.Load()

	st, err := openStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer st.Close()

	factory, err := detectorFactory(cfg)
	if err != nil {
		log.Fatalf("Detector unavailable: %v (set DRISHTI_DETECTOR=mock to run without a model)", err)
	}
	sessions := session.NewManager(factory, cfg.WorkDir)

	a := app.New(app.Config{
		Store:      st,
		Sessions:   sessions,
		Codec:      cfg.Codec,
		OutputFPS:  cfg.OutputFPS,
		SessionTTL: cfg.SessionTTL,
	})
	defer a.Close()

	// Find web directory
	webDir := findWebDir(cfg.StaticDir)
	if webDir != "" {
		fmt.Printf("Serving static files from: %s\n", webDir)
	}

	srv := server.New(server.Config{
		StaticDir:      webDir,
		App:            a,
		DefaultClasses: cfg.DefaultClasses,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reapIdle(ctx, srv, cfg.SessionTTL)

	go func() {
		fmt.Printf("Starting server on %s\n", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	if cfg.Tray {
		// systray needs the main goroutine; it returns after Quit.
		t := tray.New()
		sessions.OnChange(t.SetSessionCount)
		t.OnOpen(func() { openBrowser(browserURL(cfg.Addr)) })
		t.OnReleaseAll(srv.ReleaseAll)
		t.OnQuit(stop)
		go func() {
			<-ctx.Done()
			t.Quit()
		}()
		t.Run()
	} else {
		<-ctx.Done()
	}

	log.Println("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// detectorFactory selects the detector backend.
func detectorFactory(cfg *config.Config) (detector.Factory, error) {
	if cfg.Detector == "mock" {
		log.Println("Using mock detector")
		return detector.MockFactory(nil), nil
	}

	dcfg := detector.DefaultConfig()
	dcfg.Python = cfg.Python
	dcfg.ScriptPath = cfg.DetectorScript
	if cfg.Weights != "" {
		dcfg.Weights = cfg.Weights
	}
	if cfg.MinConfidence > 0 {
		dcfg.MinConfidence = cfg.MinConfidence
	}
	if cfg.DetectorTimeout >= 0 {
		dcfg.Timeout = cfg.DetectorTimeout
	}
	return detector.NewFactory(dcfg)
}

// openStore opens the session registry, creating the parent directory of a file database.
func openStore(path string) (*store.Store, error) {
	if path != "" && path != store.MemoryPath && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return store.New(path)
}

// reapIdle releases idle sessions until ctx is done.
func reapIdle(ctx context.Context, srv *server.Server, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			srv.Reap()
		}
	}
}

// findWebDir returns the configured directory if it exists, otherwise searches
// "web", "../web", "../../web", and ~/.drishti/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(configured string) string {
	candidates := []string{configured, "web", "../web", "../../web"}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	// Check home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".drishti", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}

// browserURL turns a listen address into a local URL.
func browserURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		log.Printf("Failed to open browser: %v", err)
	}
}
