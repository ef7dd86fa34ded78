// Package tray provides a system tray entry for the drishti annotator.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"
)

// Tray represents the system tray application.
type Tray struct {
	onOpen       func()
	onReleaseAll func()
	onQuit       func()
	sessions     int
	mu           sync.RWMutex

	// Menu items stored for later updates
	menuSessions *systray.MenuItem
}

// New creates a new Tray instance.
func New() *Tray {
	return &Tray{}
}

// OnOpen sets the callback function to be called when "Open in browser" is clicked.
func (t *Tray) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnReleaseAll sets the callback function to be called when "Release all sessions" is clicked.
func (t *Tray) OnReleaseAll(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReleaseAll = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("drishti")
	systray.SetTooltip("drishti zero-shot detection annotator")

	menuOpen := systray.AddMenuItem("Open in browser", "Open the annotator UI")
	systray.AddSeparator()

	t.mu.Lock()
	t.menuSessions = systray.AddMenuItem(sessionsTitle(t.sessions), "Live annotation sessions")
	t.menuSessions.Disable()
	t.mu.Unlock()

	menuRelease := systray.AddMenuItem("Release all sessions", "Close every session and its detector")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit drishti")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-menuOpen.ClickedCh:
				t.call(func() func() { return t.onOpen })
			case <-menuRelease.ClickedCh:
				t.call(func() func() { return t.onReleaseAll })
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {}

// call runs the callback returned by get outside the lock.
func (t *Tray) call(get func() func()) {
	t.mu.RLock()
	callback := get()
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleQuit handles the quit menu item click.
func (t *Tray) handleQuit() {
	t.call(func() func() { return t.onQuit })
	systray.Quit()
}

// SetSessionCount updates the live session counter in the menu.
func (t *Tray) SetSessionCount(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions = n
	if t.menuSessions != nil {
		t.menuSessions.SetTitle(sessionsTitle(n))
	}
}

// SessionCount returns the last reported session count.
func (t *Tray) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions
}

func sessionsTitle(n int) string {
	return fmt.Sprintf("Active sessions: %d", n)
}

// Quit stops the tray loop and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}
