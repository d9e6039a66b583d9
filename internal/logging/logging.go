package logging

import (
	"bytes"
	"io"
	"log"
	"os"
	"sync"

	"github.com/lowaak/smart-trainer/echex-bike/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

const DefaultLineBuffer = 256

// LineWriter splits everything written to it into lines and pushes each
// complete line onto a channel. Lines are dropped when the channel is full
// so logging never blocks on a slow reader.
type LineWriter struct {
	mu      sync.Mutex
	pending []byte
	lines   chan string
	dropped int
}

func NewLineWriter(buffer int) *LineWriter {
	if buffer <= 0 {
		buffer = DefaultLineBuffer
	}
	return &LineWriter{lines: make(chan string, buffer)}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := string(w.pending[:i])
		w.pending = w.pending[i+1:]
		select {
		case w.lines <- line:
		default:
			w.dropped++
		}
	}
	if len(w.pending) == 0 {
		w.pending = nil
	}
	return len(p), nil
}

// Lines is the stream of complete lines
func (w *LineWriter) Lines() <-chan string {
	return w.lines
}

// Dropped counts lines lost to a full channel
func (w *LineWriter) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Logger bundles the application logger with its outputs
type Logger struct {
	*log.Logger
	Lines *LineWriter
	file  *lumberjack.Logger
}

// New builds the application logger. Output goes to the rotating log file
// and the line stream, and to stderr when cfg.Stderr is set.
func New(cfg config.LogConfig) *Logger {
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	lines := NewLineWriter(DefaultLineBuffer)

	writers := []io.Writer{file, lines}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}
	return &Logger{
		Logger: log.New(io.MultiWriter(writers...), "", log.Ldate|log.Ltime|log.Lmicroseconds),
		Lines:  lines,
		file:   file,
	}
}

// Rotate starts a new log file
func (l *Logger) Rotate() error {
	return l.file.Rotate()
}

func (l *Logger) Close() error {
	return l.file.Close()
}
