package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger пишет JSONL: одна запись = один JSON-объект с ts/level/msg и полями.
type Logger struct {
	mu     *sync.Mutex
	out    *log.Logger
	debug  *bool
	fields map[string]any
}

// New создаёт логгер поверх произвольного writer.
func New(w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	debug := false
	return &Logger{
		mu:    &sync.Mutex{},
		out:   log.New(w, "", 0),
		debug: &debug,
	}
}

var std = New(io.Discard)

// Default возвращает общий логгер процесса.
func Default() *Logger { return std }

// Init configures JSONL logging into <baseDir>/log/app.log.
func Init(baseDir string) error {
	logDir := filepath.Join(baseDir, "log")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "app.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	std.mu.Lock()
	std.out = log.New(f, "", 0)
	std.mu.Unlock()
	return nil
}

// SetOutput перенаправляет общий логгер (CLI пишет в stderr).
func SetOutput(w io.Writer) {
	std.mu.Lock()
	std.out = log.New(w, "", 0)
	std.mu.Unlock()
}

func SetDebug(enabled bool) { std.SetDebug(enabled) }

func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	*l.debug = enabled
	l.mu.Unlock()
}

// With возвращает дочерний логгер, добавляющий поля к каждой записи.
func (l *Logger) With(fields map[string]any) *Logger {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{mu: l.mu, out: l.out, debug: l.debug, fields: merged}
}

// WithRequestID помечает все записи новым request_id.
func (l *Logger) WithRequestID() *Logger {
	return l.With(map[string]any{"request_id": uuid.NewString()})
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.mu.Lock()
	enabled := *l.debug
	l.mu.Unlock()
	if !enabled {
		return
	}
	l.write("debug", msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]any)  { l.write("info", msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.write("warn", msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.write("error", msg, fields) }

func Debug(msg string, fields map[string]any) { std.Debug(msg, fields) }
func Info(msg string, fields map[string]any)  { std.Info(msg, fields) }
func Warn(msg string, fields map[string]any)  { std.Warn(msg, fields) }
func Error(msg string, fields map[string]any) { std.Error(msg, fields) }

func (l *Logger) write(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg

	l.mu.Lock()
	defer l.mu.Unlock()
	enc, err := json.Marshal(entry)
	if err != nil {
		l.out.Printf(`{"ts":"%s","level":"error","msg":"log_marshal_failed","error":%q}`, time.Now().UTC().Format(time.RFC3339Nano), err.Error())
		return
	}
	l.out.Println(string(enc))
}
