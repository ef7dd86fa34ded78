package session

import (
	"errors"
	"image"
	"image/color"
	"math/rand/v2"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/ayusman/drishti/internal/detector"
	"github.com/ayusman/drishti/internal/fixture"
)

func newTestManager(t *testing.T) (*Manager, *[]*detector.MockDetector) {
	t.Helper()
	created := &[]*detector.MockDetector{}
	m := NewManager(detector.MockFactory(created), t.TempDir())
	m.SetRNG(func() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) })
	t.Cleanup(m.CloseAll)
	return m, created
}

func TestManager_Create(t *testing.T) {
	m, created := newTestManager(t)

	s, err := m.Create(" person , ball ")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if want := []string{"person", "ball"}; !reflect.DeepEqual(s.Labels, want) {
		t.Errorf("Labels = %v, want %v", s.Labels, want)
	}
	if !s.Colors.Covers(s.Labels) {
		t.Error("color map should cover every label before any annotation")
	}
	if len(*created) != 1 {
		t.Fatalf("factory called %d times, want 1", len(*created))
	}
	if got := (*created)[0].Classes(); !reflect.DeepEqual(got, s.Labels) {
		t.Errorf("detector classes = %v, want %v", got, s.Labels)
	}
	if _, err := os.Stat(s.WorkDir()); err != nil {
		t.Errorf("work dir should exist: %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestManager_CreateEmptyClasses(t *testing.T) {
	m, created := newTestManager(t)

	s, err := m.Create("  ,  ")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(s.Labels) != 0 {
		t.Errorf("Labels = %v, want empty", s.Labels)
	}
	if len(s.Colors) != 0 {
		t.Errorf("Colors = %v, want empty", s.Colors)
	}
	if len((*created)[0].Classes()) != 0 {
		t.Error("detector should not receive an empty vocabulary")
	}
}

func TestManager_DeterministicColors(t *testing.T) {
	m1, _ := newTestManager(t)
	m2, _ := newTestManager(t)

	a, _ := m1.Create("person, ball")
	b, _ := m2.Create("person, ball")

	if !reflect.DeepEqual(a.Colors, b.Colors) {
		t.Errorf("same seed produced different colors: %v vs %v", a.Colors, b.Colors)
	}
	if a.ID == b.ID {
		t.Error("session IDs should be unique")
	}
}

func TestManager_GetDelete(t *testing.T) {
	m, created := newTestManager(t)

	s, _ := m.Create("cat")
	got, err := m.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	if err := m.Delete(s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !(*created)[0].Closed() {
		t.Error("detector should be closed on delete")
	}
	if _, err := os.Stat(s.WorkDir()); !os.IsNotExist(err) {
		t.Error("work dir should be removed on delete")
	}

	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := m.Delete(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestManager_OnChange(t *testing.T) {
	m, _ := newTestManager(t)

	var counts []int
	m.OnChange(func(n int) { counts = append(counts, n) })

	a, _ := m.Create("cat")
	m.Create("dog")
	m.Delete(a.ID)

	if want := []int{1, 2, 1}; !reflect.DeepEqual(counts, want) {
		t.Errorf("counts = %v, want %v", counts, want)
	}
}

func TestManager_Reap(t *testing.T) {
	m, _ := newTestManager(t)

	idle, _ := m.Create("cat")
	busy, _ := m.Create("dog")
	fresh, _ := m.Create("bird")

	old := time.Now().Add(-time.Hour)
	idle.lastUsed = old
	busy.lastUsed = old
	if err := busy.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	busy.lastUsed = old

	reaped := m.Reap(time.Minute)
	if len(reaped) != 1 || reaped[0] != idle.ID {
		t.Errorf("Reap() = %v, want [%s]", reaped, idle.ID)
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Errorf("fresh session should survive: %v", err)
	}
	if _, err := m.Get(busy.ID); err != nil {
		t.Errorf("busy session should survive: %v", err)
	}
	if got := m.Reap(0); got != nil {
		t.Errorf("Reap(0) = %v, want nil", got)
	}
}

func TestSession_TryAcquire(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := m.Create("cat")

	if err := s.TryAcquire(); err != nil {
		t.Fatalf("first TryAcquire() error = %v", err)
	}
	if err := s.TryAcquire(); !errors.Is(err, ErrBusy) {
		t.Errorf("second TryAcquire() error = %v, want ErrBusy", err)
	}

	s.Release()
	if err := s.TryAcquire(); err != nil {
		t.Errorf("TryAcquire() after Release error = %v", err)
	}
	s.Release()

	s.Close()
	if err := s.TryAcquire(); !errors.Is(err, ErrClosed) {
		t.Errorf("TryAcquire() after Close error = %v, want ErrClosed", err)
	}
}

func TestSession_ProcessEmptyLabelsSkipsDetector(t *testing.T) {
	m, created := newTestManager(t)
	s, _ := m.Create("")

	frame := fixture.PatternFrame(64, 48, 0)
	defer frame.Close()
	original := frame.Clone()
	defer original.Close()

	n, err := s.Process(&frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if n != 0 {
		t.Errorf("Process() = %d detections, want 0", n)
	}
	if (*created)[0].Calls() != 0 {
		t.Error("detector should not be called for an empty label set")
	}
	if !fixture.Equal(frame, original) {
		t.Error("frame should be unchanged")
	}
}

func TestSession_ProcessDrawsDetections(t *testing.T) {
	m, created := newTestManager(t)
	s, _ := m.Create("person, ball")
	(*created)[0].SetDetections(detector.Detection{Box: image.Rect(10, 30, 60, 90), Confidence: 0.87, ClassID: 0})

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	frame := fixture.SolidFrame(120, 100, white)
	defer frame.Close()

	n, err := s.Process(&frame)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Process() = %d detections, want 1", n)
	}

	c, _ := s.Colors.Lookup("person")
	if !fixture.IsColor(frame, 35, 90, c) {
		t.Error("bottom edge of the box should use the person color")
	}
}

func TestSession_ProcessDetectorError(t *testing.T) {
	m, created := newTestManager(t)
	s, _ := m.Create("person")
	(*created)[0].SetError(errors.New("service died"))

	frame := fixture.PatternFrame(64, 48, 0)
	defer frame.Close()

	if _, err := s.Process(&frame); err == nil {
		t.Error("Process() should surface detector errors")
	}
}

func TestManager_CloseAll(t *testing.T) {
	m, created := newTestManager(t)

	var counts []int
	m.OnChange(func(n int) { counts = append(counts, n) })

	a, _ := m.Create("person")
	b, _ := m.Create("ball")

	m.CloseAll()

	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
	for i, d := range *created {
		if !d.Closed() {
			t.Errorf("detector %d not closed", i)
		}
	}
	for _, s := range []*Session{a, b} {
		if _, err := os.Stat(s.WorkDir()); !os.IsNotExist(err) {
			t.Errorf("work dir %s should be removed", s.WorkDir())
		}
		if err := s.TryAcquire(); !errors.Is(err, ErrClosed) {
			t.Errorf("TryAcquire() after CloseAll = %v, want ErrClosed", err)
		}
	}
	if want := []int{1, 2, 0}; !reflect.DeepEqual(counts, want) {
		t.Errorf("OnChange counts = %v, want %v", counts, want)
	}
}

func TestSession_CloseWhileBusy(t *testing.T) {
	m, created := newTestManager(t)
	s, _ := m.Create("person")
	det := (*created)[0]

	if err := s.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if err := m.Delete(s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if det.Closed() {
		t.Error("detector must stay open while a flow holds the session")
	}
	if _, err := os.Stat(s.WorkDir()); err != nil {
		t.Errorf("work dir should survive until Release: %v", err)
	}

	frame := fixture.SolidFrame(32, 24, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	defer frame.Close()
	if _, err := s.Process(&frame); !errors.Is(err, ErrClosed) {
		t.Errorf("Process() after Delete error = %v, want ErrClosed", err)
	}
	if det.Calls() != 0 {
		t.Errorf("detector called %d times after Delete", det.Calls())
	}

	s.Release()

	if !det.Closed() {
		t.Error("detector should be closed on Release")
	}
	if _, err := os.Stat(s.WorkDir()); !os.IsNotExist(err) {
		t.Error("work dir should be removed on Release")
	}
	if err := s.TryAcquire(); !errors.Is(err, ErrClosed) {
		t.Errorf("TryAcquire() after Release error = %v, want ErrClosed", err)
	}
}
