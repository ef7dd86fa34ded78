package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"

	"gocv.io/x/gocv"
)

func TestResult_Name(t *testing.T) {
	r := Result{Names: []string{"person", "ball"}}

	tests := []struct {
		name    string
		classID int
		want    string
		wantOK  bool
	}{
		{name: "first class", classID: 0, want: "person", wantOK: true},
		{name: "second class", classID: 1, want: "ball", wantOK: true},
		{name: "index past end", classID: 2, wantOK: false},
		{name: "negative index", classID: -1, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Name(tt.classID)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Name(%d) = (%q, %v), want (%q, %v)", tt.classID, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestResult_Classes(t *testing.T) {
	r := Result{
		Names: []string{"person", "ball"},
		Detections: []Detection{
			{ClassID: 1},
			{ClassID: 0},
			{ClassID: 9},
		},
	}

	if got := r.Classes(); !reflect.DeepEqual(got, []string{"ball", "person"}) {
		t.Errorf("Classes() = %v", got)
	}
	if r.Empty() {
		t.Error("Empty() = true, want false")
	}
	if !(Result{}).Empty() {
		t.Error("zero Result should be empty")
	}
}

func TestParseResponse(t *testing.T) {
	t.Run("boxes are converted to detections", func(t *testing.T) {
		line := `{"names":["person","ball"],"boxes":[{"xyxy":[10.4,10.9,100.2,200.7],"conf":0.87,"cls":0}],"error":""}` + "\n"

		resp, err := parseResponse([]byte(line))
		if err != nil {
			t.Fatalf("parseResponse() error = %v", err)
		}

		r := resp.toResult()
		if len(r.Detections) != 1 {
			t.Fatalf("got %d detections, want 1", len(r.Detections))
		}

		d := r.Detections[0]
		if d.Box != image.Rect(10, 10, 100, 200) {
			t.Errorf("Box = %v, want (10,10)-(100,200)", d.Box)
		}
		if d.Confidence != 0.87 {
			t.Errorf("Confidence = %v, want 0.87", d.Confidence)
		}
		if name, _ := r.Name(d.ClassID); name != "person" {
			t.Errorf("class name = %q, want person", name)
		}
	})

	t.Run("service error is surfaced", func(t *testing.T) {
		_, err := parseResponse([]byte(`{"error":"model not loaded"}`))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		if _, err := parseResponse([]byte("not json")); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("no boxes", func(t *testing.T) {
		resp, err := parseResponse([]byte(`{"names":["cat"],"boxes":[]}`))
		if err != nil {
			t.Fatalf("parseResponse() error = %v", err)
		}
		if !resp.toResult().Empty() {
			t.Error("expected empty result")
		}
	})
}

func TestMockDetector(t *testing.T) {
	m := NewMockDetector()

	t.Run("detects nothing by default", func(t *testing.T) {
		r, err := m.Detect(nil)
		if err != nil {
			t.Fatalf("Detect() error = %v", err)
		}
		if !r.Empty() {
			t.Errorf("expected no detections, got %d", len(r.Detections))
		}
	})

	t.Run("uses configured classes as names table", func(t *testing.T) {
		m.SetClasses([]string{"person", "ball"})
		m.SetDetections(Detection{Box: image.Rect(1, 2, 3, 4), Confidence: 0.5, ClassID: 1})

		r, err := m.Detect(nil)
		if err != nil {
			t.Fatalf("Detect() error = %v", err)
		}
		if name, ok := r.Name(r.Detections[0].ClassID); !ok || name != "ball" {
			t.Errorf("Name() = %q, %v; want ball", name, ok)
		}
	})

	t.Run("explicit names table wins", func(t *testing.T) {
		m.SetResult(Result{Names: []string{"dog"}, Detections: []Detection{{ClassID: 0}}})
		r, _ := m.Detect(nil)
		if name, _ := r.Name(0); name != "dog" {
			t.Errorf("Name(0) = %q, want dog", name)
		}
	})

	t.Run("returns configured error", func(t *testing.T) {
		want := errors.New("boom")
		m.SetError(want)
		defer m.SetError(nil)

		if _, err := m.Detect(nil); !errors.Is(err, want) {
			t.Errorf("Detect() error = %v, want %v", err, want)
		}
	})

	t.Run("counts calls and close", func(t *testing.T) {
		if m.Calls() != 4 {
			t.Errorf("Calls() = %d, want 4", m.Calls())
		}
		m.Close()
		if !m.Closed() {
			t.Error("Closed() = false after Close()")
		}
	})

	t.Run("fails after close", func(t *testing.T) {
		if _, err := m.Detect(nil); !errors.Is(err, ErrClosed) {
			t.Errorf("Detect() after Close error = %v, want ErrClosed", err)
		}
		if err := m.SetClasses([]string{"cat"}); !errors.Is(err, ErrClosed) {
			t.Errorf("SetClasses() after Close error = %v, want ErrClosed", err)
		}
		if m.Calls() != 4 {
			t.Errorf("Calls() = %d, closed calls should not count", m.Calls())
		}
	})
}

func TestMockFactory(t *testing.T) {
	var created []*MockDetector
	f := MockFactory(&created)

	for i := 0; i < 3; i++ {
		if _, err := f(); err != nil {
			t.Fatalf("factory error = %v", err)
		}
	}
	if len(created) != 3 {
		t.Fatalf("created %d detectors, want 3", len(created))
	}
	if created[0] == created[1] {
		t.Error("factory should hand out distinct detectors")
	}
}

func TestNewYOLOWorldDetector_MissingScript(t *testing.T) {
	_, err := NewYOLOWorldDetector(Config{ScriptPath: filepath.Join(t.TempDir(), "nope.py")})
	if err == nil {
		t.Fatal("expected error for missing script")
	}
}

func TestNewFactory_MissingScript(t *testing.T) {
	f, err := NewFactory(Config{ScriptPath: filepath.Join(t.TempDir(), "nope.py")})
	if err == nil {
		t.Fatal("NewFactory() should fail when the service script is missing")
	}
	if f != nil {
		t.Error("NewFactory() returned a factory alongside an error")
	}
}

// TestHelperService is not a real test. It acts as a fake
// yoloworld_service.py when the test binary is re-executed by
// TestYOLOWorldDetector_Protocol.
func TestHelperService(t *testing.T) {
	if os.Getenv("DRISHTI_WANT_HELPER_SERVICE") != "1" {
		return
	}
	if os.Getenv("DRISHTI_HELPER_MODE") == "hang" {
		// Read requests but never answer.
		io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	}
	serveFakeService(os.Stdin, os.Stdout)
	os.Exit(0)
}

func serveFakeService(in io.Reader, out io.Writer) {
	r := bufio.NewReader(in)
	var classes []string

	for {
		header := make([]byte, 5)
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(header[1:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}

		resp := jsonResponse{Boxes: []jsonBox{}}
		switch header[0] {
		case opSetClasses:
			var req struct {
				Classes []string `json:"classes"`
			}
			json.Unmarshal(payload, &req)
			classes = req.Classes
		case opDetect:
			img, err := gocv.IMDecode(payload, gocv.IMReadColor)
			if err != nil || img.Empty() || len(classes) == 0 {
				resp.Error = "bad request"
				break
			}
			img.Close()
			resp.Boxes = append(resp.Boxes, jsonBox{XYXY: [4]float64{10, 10, 100, 200}, Conf: 0.87, Cls: 0})
		default:
			resp.Error = "unknown opcode"
		}
		resp.Names = classes

		line, _ := json.Marshal(resp)
		out.Write(append(line, '\n'))
	}
}

// newHelperDetector returns a detector whose "python" re-executes the
// test binary as the fake service.
func newHelperDetector(t *testing.T, mode string, cfg Config) *YOLOWorldDetector {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell wrapper requires a unix shell")
	}

	bin, err := filepath.Abs(os.Args[0])
	if err != nil {
		t.Fatalf("resolve test binary: %v", err)
	}

	tmpDir := t.TempDir()
	script := filepath.Join(tmpDir, "yoloworld_service.py")
	if err := os.WriteFile(script, []byte("# fake\n"), 0644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	python := filepath.Join(tmpDir, "python")
	wrapper := "#!/bin/sh\nexec \"$DRISHTI_HELPER_BIN\" -test.run='^TestHelperService$'\n"
	if err := os.WriteFile(python, []byte(wrapper), 0755); err != nil {
		t.Fatalf("write wrapper: %v", err)
	}

	t.Setenv("DRISHTI_WANT_HELPER_SERVICE", "1")
	t.Setenv("DRISHTI_HELPER_BIN", bin)
	t.Setenv("DRISHTI_HELPER_MODE", mode)

	cfg.Python = python
	cfg.ScriptPath = script
	d, err := NewYOLOWorldDetector(cfg)
	if err != nil {
		t.Fatalf("NewYOLOWorldDetector() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestYOLOWorldDetector_Protocol(t *testing.T) {
	d := newHelperDetector(t, "", Config{Weights: "w.pt", MinConfidence: 0.3, Timeout: time.Minute})

	if err := d.SetClasses([]string{"person", "ball"}); err != nil {
		t.Fatalf("SetClasses() error = %v", err)
	}

	frame := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer frame.Close()

	r, err := d.Detect(&frame)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	if len(r.Detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(r.Detections))
	}
	if name, _ := r.Name(r.Detections[0].ClassID); name != "person" {
		t.Errorf("class = %q, want person", name)
	}
	if r.Detections[0].Box != image.Rect(10, 10, 100, 200) {
		t.Errorf("Box = %v", r.Detections[0].Box)
	}

	if err := d.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestYOLOWorldDetector_NoRestartAfterClose(t *testing.T) {
	d := newHelperDetector(t, "", Config{Timeout: time.Minute})

	if err := d.SetClasses([]string{"person"}); err != nil {
		t.Fatalf("SetClasses() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	frame := gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3)
	defer frame.Close()

	if _, err := d.Detect(&frame); !errors.Is(err, ErrClosed) {
		t.Errorf("Detect() after Close error = %v, want ErrClosed", err)
	}
	if err := d.SetClasses([]string{"person"}); !errors.Is(err, ErrClosed) {
		t.Errorf("SetClasses() after Close error = %v, want ErrClosed", err)
	}
	if d.started || d.proc.Load() != nil {
		t.Error("service must not be restarted after Close")
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestYOLOWorldDetector_Timeout(t *testing.T) {
	d := newHelperDetector(t, "hang", Config{Timeout: 200 * time.Millisecond})

	err := d.SetClasses([]string{"person"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SetClasses() error = %v, want ErrTimeout", err)
	}
	if d.started {
		t.Error("timed out service should be stopped")
	}

	frame := gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3)
	defer frame.Close()

	if _, err := d.Detect(&frame); !errors.Is(err, ErrTimeout) {
		t.Errorf("Detect() after timeout error = %v, want the recorded ErrTimeout", err)
	}
	if d.started {
		t.Error("service must not be restarted after a failure")
	}
}

func TestYOLOWorldDetector_CloseInterruptsRequest(t *testing.T) {
	d := newHelperDetector(t, "hang", Config{})

	errc := make(chan error, 1)
	go func() {
		errc <- d.SetClasses([]string{"person"})
	}()

	deadline := time.Now().Add(10 * time.Second)
	for d.proc.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatal("service did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Close() blocked on a hung request")
	}

	if err := <-errc; err == nil {
		t.Error("interrupted SetClasses() should fail")
	}
}
