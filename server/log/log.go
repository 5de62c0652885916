package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/logging"
)

type Level int

const (
	LevelDebug    Level = iota // information that only a programmer will understand
	LevelInfo                  // information that an operator might be interested in
	LevelWarn                  // something degraded, but the request still succeeded
	LevelError                 // should not have happened
	LevelCritical              // wake somebody up
)

var levelNames = [...]string{"Debug", "Info", "Warning", "Error", "Critical"}

var levelSeverity = [...]logging.Severity{logging.Debug, logging.Info, logging.Warning, logging.Error, logging.Critical}

func (l Level) String() string {
	return levelNames[l]
}

// ParseLevel accepts the names printed by String, case insensitively, plus "warn"
func ParseLevel(s string) (Level, error) {
	if strings.EqualFold(s, "warn") {
		return LevelWarn, nil
	}
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("Unknown log level '%v'", s)
}

type Log interface {
	Close() // Give logger a chance to flush
	Debugf(format string, a ...any)
	Infof(format string, a ...any)
	Warnf(format string, a ...any)
	Errorf(format string, a ...any)
	Criticalf(format string, a ...any)
}

// Logger writes timestamped lines to an io.Writer, or entries to Google Cloud Logging
type Logger struct {
	MinLevel Level

	lock   sync.Mutex // guards out
	out    io.Writer
	gcp    *logging.Logger
	client *logging.Client
}

// NewLog creates a logger that writes to stdout, unless GCP_PROJECT_ID and GCP_LOGNAME
// are set, in which case it writes to Google Cloud Logging.
func NewLog() (*Logger, error) {
	projectID := os.Getenv("GCP_PROJECT_ID")
	logName := os.Getenv("GCP_LOGNAME")
	if projectID == "" || logName == "" {
		l := NewWriterLog(os.Stdout)
		l.Infof("Logging to stdout")
		return l, nil
	}
	fmt.Printf("Logging to GCP %v / %v (you won't see further logs on stdout)\n", projectID, logName)
	client, err := logging.NewClient(context.Background(), projectID)
	if err != nil {
		return nil, fmt.Errorf("Failed to create GCP logging client: %w", err)
	}
	return &Logger{
		gcp:    client.Logger(logName),
		client: client,
	}, nil
}

func NewWriterLog(w io.Writer) *Logger {
	return &Logger{out: w}
}

type testLogWriter struct {
	t testing.TB
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewTestingLog sends output to t.Log, so that it only shows up for failing or verbose tests
func NewTestingLog(t testing.TB) Log {
	return NewWriterLog(testLogWriter{t})
}

func (l *Logger) Logf(level Level, format string, a ...any) {
	if level < l.MinLevel {
		return
	}
	if l.gcp != nil {
		l.gcp.Log(logging.Entry{
			Severity: levelSeverity[level],
			Payload:  fmt.Sprintf(format, a...),
		})
		return
	}
	line := fmt.Sprintf("%.3f %v %v\n", float64(time.Now().UnixMilli())/1000, level, fmt.Sprintf(format, a...))
	l.lock.Lock()
	io.WriteString(l.out, line)
	l.lock.Unlock()
}

func (l *Logger) Close() {
	if l.gcp != nil {
		l.gcp.Flush()
		l.client.Close()
	}
}

func (l *Logger) Debugf(format string, a ...any)    { l.Logf(LevelDebug, format, a...) }
func (l *Logger) Infof(format string, a ...any)     { l.Logf(LevelInfo, format, a...) }
func (l *Logger) Warnf(format string, a ...any)     { l.Logf(LevelWarn, format, a...) }
func (l *Logger) Errorf(format string, a ...any)    { l.Logf(LevelError, format, a...) }
func (l *Logger) Criticalf(format string, a ...any) { l.Logf(LevelCritical, format, a...) }
