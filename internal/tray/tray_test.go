package tray

import "testing"

func TestSessionsTitle(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "Active sessions: 0"},
		{1, "Active sessions: 1"},
		{12, "Active sessions: 12"},
	}

	for _, tt := range tests {
		if got := sessionsTitle(tt.n); got != tt.want {
			t.Errorf("sessionsTitle(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestTray_SetSessionCountBeforeReady(t *testing.T) {
	tr := New()
	tr.SetSessionCount(3)

	if got := tr.SessionCount(); got != 3 {
		t.Errorf("SessionCount() = %d, want 3", got)
	}
}

func TestTray_Callbacks(t *testing.T) {
	tr := New()

	opened, released := 0, 0
	tr.OnOpen(func() { opened++ })
	tr.OnReleaseAll(func() { released++ })

	tr.call(func() func() { return tr.onOpen })
	tr.call(func() func() { return tr.onReleaseAll })
	tr.call(func() func() { return tr.onQuit }) // unset is a no-op

	if opened != 1 || released != 1 {
		t.Errorf("opened = %d, released = %d, want 1 and 1", opened, released)
	}
}
