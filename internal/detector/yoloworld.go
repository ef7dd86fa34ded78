package detector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Request opcodes of the service protocol.
const (
	opSetClasses byte = 'C'
	opDetect     byte = 'D'
)

// ErrScriptNotFound is returned when yoloworld_service.py cannot be located.
var ErrScriptNotFound = errors.New("yoloworld_service.py not found")

// YOLOWorldDetector implements Detector using a Python YOLO-World subprocess.
// The process is started once. After a transport failure or Close the
// detector stays unusable.
type YOLOWorldDetector struct {
	config  Config
	script  string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	mu      sync.Mutex
	started bool
	closed  bool
	failed  error

	// proc is readable without mu so Close can interrupt a request.
	proc atomic.Pointer[os.Process]
}

// NewYOLOWorldDetector creates a new YOLO-World detector.
// The Python process is started lazily on first use.
func NewYOLOWorldDetector(config Config) (*YOLOWorldDetector, error) {
	script := config.ScriptPath
	if script == "" {
		script = findServiceScript()
	}
	if script == "" {
		return nil, ErrScriptNotFound
	}
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("service script: %w", err)
	}

	config.ScriptPath = script
	return &YOLOWorldDetector{
		config: config,
		script: script,
	}, nil
}

// NewFactory returns a Factory producing YOLO-World detectors.
// It fails if the service script cannot be found.
func NewFactory(config Config) (Factory, error) {
	d, err := NewYOLOWorldDetector(config)
	if err != nil {
		return nil, err
	}
	config = d.config

	return func() (Detector, error) {
		return NewYOLOWorldDetector(config)
	}, nil
}

// SetClasses sends the vocabulary to the service.
func (d *YOLOWorldDetector) SetClasses(classes []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string][]string{"classes": classes})
	if err != nil {
		return fmt.Errorf("encode classes: %w", err)
	}

	if _, err := d.roundTrip(opSetClasses, payload); err != nil {
		return fmt.Errorf("set classes: %w", err)
	}
	return nil
}

// Detect analyzes a frame and returns detected objects.
func (d *YOLOWorldDetector) Detect(frame *gocv.Mat) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureStarted(); err != nil {
		return Result{}, err
	}

	// Encode frame as JPEG
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, *frame)
	if err != nil {
		return Result{}, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	resp, err := d.roundTrip(opDetect, buf.GetBytes())
	if err != nil {
		return Result{}, fmt.Errorf("detect: %w", err)
	}

	return resp.toResult(), nil
}

// Close shuts down the Python process. A request still waiting on the
// service is interrupted. Later calls fail with ErrClosed.
func (d *YOLOWorldDetector) Close() error {
	killed := false
	if !d.mu.TryLock() {
		if p := d.proc.Load(); p != nil {
			p.Kill()
			killed = true
		}
		d.mu.Lock()
	}
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	err := d.shutdown()
	if killed || d.failed != nil {
		return nil
	}
	return err
}

// roundTrip writes one request frame and reads one JSON line back.
// Frame layout: opcode (1 byte), payload length (4 bytes big-endian), payload.
// A transport failure stops the service for good.
func (d *YOLOWorldDetector) roundTrip(op byte, payload []byte) (*jsonResponse, error) {
	header := make([]byte, 5)
	header[0] = op
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := d.stdin.Write(header); err != nil {
		return nil, d.fail(fmt.Errorf("write header: %w", err))
	}
	if _, err := d.stdin.Write(payload); err != nil {
		return nil, d.fail(fmt.Errorf("write payload: %w", err))
	}

	line, err := d.readLine()
	if err != nil {
		return nil, d.fail(err)
	}

	return parseResponse([]byte(line))
}

// readLine reads one response line, killing the service if it takes
// longer than the configured timeout.
func (d *YOLOWorldDetector) readLine() (string, error) {
	if d.config.Timeout <= 0 {
		line, err := d.stdout.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		return line, nil
	}

	type reply struct {
		line string
		err  error
	}
	ch := make(chan reply, 1)
	stdout := d.stdout
	go func() {
		line, err := stdout.ReadString('\n')
		ch <- reply{line, err}
	}()

	timer := time.NewTimer(d.config.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("read response: %w", r.err)
		}
		return r.line, nil
	case <-timer.C:
		d.cmd.Process.Kill()
		<-ch
		return "", fmt.Errorf("%w after %s", ErrTimeout, d.config.Timeout)
	}
}

// fail records a transport failure and stops the service.
func (d *YOLOWorldDetector) fail(err error) error {
	d.failed = err
	if serr := d.shutdown(); serr != nil {
		log.Printf("yoloworld service exited: %v", serr)
	}
	return err
}

func (d *YOLOWorldDetector) ensureStarted() error {
	if d.closed {
		return ErrClosed
	}
	if d.failed != nil {
		return fmt.Errorf("yoloworld service unavailable: %w", d.failed)
	}
	if d.started {
		return nil
	}

	// Use virtual environment Python if available
	pythonPath := d.config.Python
	if pythonPath == "" {
		pythonPath = findVenvPython()
	}
	if pythonPath == "" {
		pythonPath = "python3"
	}

	args := []string{d.script}
	if d.config.Weights != "" {
		args = append(args, "--weights", d.config.Weights)
	}
	if d.config.MinConfidence > 0 {
		args = append(args, "--conf", strconv.FormatFloat(d.config.MinConfidence, 'f', -1, 64))
	}

	cmd := exec.Command(pythonPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for debugging
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		d.failed = err
		return fmt.Errorf("start yoloworld service: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.stdout = bufio.NewReader(stdout)
	d.started = true
	d.proc.Store(cmd.Process)
	return nil
}

func (d *YOLOWorldDetector) shutdown() error {
	if !d.started {
		return nil
	}

	if d.stdin != nil {
		d.stdin.Close()
	}

	err := d.cmd.Wait()
	d.proc.Store(nil)
	d.started = false
	d.cmd = nil
	d.stdin = nil
	d.stdout = nil

	return err
}

func findServiceScript() string {
	// Get executable directory
	execPath, err := os.Executable()
	var execDir string
	if err == nil {
		execDir = filepath.Dir(execPath)
	}

	candidates := []string{
		"scripts/yoloworld_service.py",
		"../scripts/yoloworld_service.py",
		"../../scripts/yoloworld_service.py",
		filepath.Join(execDir, "scripts/yoloworld_service.py"),
		filepath.Join(os.Getenv("HOME"), ".drishti/scripts/yoloworld_service.py"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// findVenvPython looks for a Python interpreter in a virtual environment.
func findVenvPython() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	candidates := []string{
		"venv/bin/python",
		"../venv/bin/python",
		"../../venv/bin/python",
		filepath.Join(execDir, "venv/bin/python"),
		filepath.Join(os.Getenv("HOME"), ".drishti/venv/bin/python"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, err := filepath.Abs(path)
			if err == nil {
				return absPath
			}
			return path
		}
	}
	return ""
}

// jsonResponse represents the JSON structure from the Python service.
type jsonResponse struct {
	Names []string  `json:"names"`
	Boxes []jsonBox `json:"boxes"`
	Error string    `json:"error"`
}

type jsonBox struct {
	XYXY [4]float64 `json:"xyxy"`
	Conf float64    `json:"conf"`
	Cls  int        `json:"cls"`
}

func parseResponse(line []byte) (*jsonResponse, error) {
	var resp jsonResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("service error: %s", resp.Error)
	}
	return &resp, nil
}

func (r *jsonResponse) toResult() Result {
	result := Result{
		Names:      r.Names,
		Detections: make([]Detection, len(r.Boxes)),
	}

	for i, b := range r.Boxes {
		result.Detections[i] = Detection{
			Box:        image.Rect(int(b.XYXY[0]), int(b.XYXY[1]), int(b.XYXY[2]), int(b.XYXY[3])),
			Confidence: b.Conf,
			ClassID:    b.Cls,
		}
	}

	return result
}
