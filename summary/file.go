package summary

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ScalarsFile is the file name of the scalar log inside a run directory.
const ScalarsFile = "scalars.jsonl"

// Event is one line of a scalar log.
type Event struct {
	Tag      string  `json:"tag"`
	Value    Float   `json:"value"`
	Step     int     `json:"step"`
	WallTime float64 `json:"wall_time"`
}

// Float is a float64 that encodes NaN and ±Inf as JSON strings.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return json.Marshal(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// FileWriter appends scalar events as JSON lines to <dir>/scalars.jsonl.
// A nil *FileWriter discards everything.
type FileWriter struct {
	dir   string
	file  *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	now   func() time.Time
	mutex sync.Mutex
}

// NewFileWriter creates dir if needed and opens its scalar log for appending.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, ScalarsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open scalar log: %w", err)
	}
	buf := bufio.NewWriter(file)
	return &FileWriter{dir: dir, file: file, buf: buf, enc: json.NewEncoder(buf), now: time.Now}, nil
}

// Dir is the run directory.
func (w *FileWriter) Dir() string {
	if w == nil {
		return ""
	}
	return w.dir
}

func (w *FileWriter) AddScalar(tag string, value float64, step int) error {
	if w == nil {
		return nil
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.file == nil {
		return fmt.Errorf("scalar log %s is closed", w.dir)
	}
	ev := Event{
		Tag:      tag,
		Value:    Float(value),
		Step:     step,
		WallTime: float64(w.now().UnixNano()) / 1e9,
	}
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to write scalar %s: %w", tag, err)
	}
	return w.buf.Flush()
}

func (w *FileWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ReadEvents parses a scalar log written by FileWriter.
func ReadEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []Event
	dec := json.NewDecoder(file)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("%s: event %d: %w", path, len(events), err)
		}
		events = append(events, ev)
	}
	return events, nil
}
