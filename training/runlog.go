package training

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunLog is the experiment log. Every message goes to the console writer
// and to klog; when file logging is enabled it is also appended to
// <work_dir>/log.txt as "[ <asctime> ] <message>".
type RunLog struct {
	mu      sync.Mutex
	console io.Writer
	file    *os.File
	now     func() time.Time
	runID   string
}

// NewRunLog opens the log. workDir is only used when printLog is set.
func NewRunLog(workDir string, printLog bool, console io.Writer, runID string) (*RunLog, error) {
	if console == nil {
		console = io.Discard
	}
	l := &RunLog{console: console, now: time.Now, runID: runID}
	if printLog {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create work dir")
		}
		f, err := os.OpenFile(filepath.Join(workDir, "log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open run log")
		}
		l.file = f
	}
	return l, nil
}

// Print logs one message
func (l *RunLog) Print(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("[ %s ] %s", l.now().Format(time.ANSIC), msg)
	fmt.Fprintln(l.console, line)
	klog.V(1).InfoS(msg, "run", l.runID)
	if l.file != nil {
		if _, err := fmt.Fprintln(l.file, line); err != nil {
			klog.ErrorS(err, "Failed to append to run log")
		}
	}
}

// Printf formats and logs one message
func (l *RunLog) Printf(format string, args ...interface{}) {
	l.Print(fmt.Sprintf(format, args...))
}

// Close closes the log file
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
