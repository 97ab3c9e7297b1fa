// Package tlog provides structured logging for the TDS client: connection
// lifecycle, the PRELOGIN/LOGIN7 handshake, and query/RPC dispatch each get
// their own category so a caller can turn wire-level tracing on without
// drowning in routine connection churn, or vice versa.
package tlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR", "ERR":
		return LevelError, nil
	case "OFF", "NONE":
		return LevelOff, nil
	default:
		return LevelInfo, fmt.Errorf("tlog: unknown level %q", s)
	}
}

// Category groups log entries by the part of the client that produced them.
type Category string

const (
	CategoryConn  Category = "conn"  // dial, PRELOGIN, TLS upgrade, close
	CategoryAuth  Category = "auth"  // LOGIN7, SSPI round trips, LOGINACK
	CategoryQuery Category = "query" // batch/RPC submission, token dispatch
	CategoryWire  Category = "wire"  // raw packet framing, for deep tracing
)

// Format selects the on-the-wire (so to speak) log line shape.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

type Entry struct {
	Time     time.Time              `json:"time"`
	Level    Level                  `json:"level"`
	Category Category               `json:"category"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	ErrorStr string                 `json:"error,omitempty"`
}

// Config configures a Logger. AsyncBuffer > 0 moves writes off the caller's
// goroutine, which matters on the query hot path more than it ever did for
// a one-shot connect/login.
type Config struct {
	DefaultLevel   Level
	CategoryLevels map[Category]Level
	Output         io.Writer
	Format         Format
	AsyncBuffer    int
}

func DefaultConfig() Config {
	return Config{DefaultLevel: LevelWarn, Output: os.Stderr, Format: FormatText}
}

type Logger struct {
	mu sync.RWMutex

	levels  map[Category]Level
	output  io.Writer
	format  Format

	asyncEnabled bool
	entryChan    chan *Entry
	wg           sync.WaitGroup
	closed       int32

	dropped int64
}

func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	l := &Logger{
		levels: make(map[Category]Level),
		output: cfg.Output,
		format: cfg.Format,
	}
	for _, cat := range []Category{CategoryConn, CategoryAuth, CategoryQuery, CategoryWire} {
		l.levels[cat] = cfg.DefaultLevel
	}
	for cat, lvl := range cfg.CategoryLevels {
		l.levels[cat] = lvl
	}

	if cfg.AsyncBuffer > 0 {
		l.asyncEnabled = true
		l.entryChan = make(chan *Entry, cfg.AsyncBuffer)
		l.wg.Add(1)
		go l.asyncWriter()
	}
	return l
}

func (l *Logger) SetLevel(cat Category, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[cat] = level
}

func (l *Logger) Close() error {
	if !l.asyncEnabled {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.entryChan)
	l.wg.Wait()
	return nil
}

// Dropped reports how many entries were discarded because the async buffer
// was full — a nonzero count usually means DefaultLevel is too chatty for
// the buffer size configured.
func (l *Logger) Dropped() int64 { return atomic.LoadInt64(&l.dropped) }

func (l *Logger) log(level Level, cat Category, msg string, err error, fields ...interface{}) {
	l.mu.RLock()
	enabled := level >= l.levels[cat]
	format := l.format
	output := l.output
	l.mu.RUnlock()
	if !enabled {
		return
	}

	e := &Entry{Time: time.Now(), Level: level, Category: cat, Message: msg}
	if err != nil {
		e.ErrorStr = err.Error()
	}
	if len(fields) > 0 {
		e.Fields = make(map[string]interface{}, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			if k, ok := fields[i].(string); ok {
				e.Fields[k] = fields[i+1]
			}
		}
	}

	if l.asyncEnabled && atomic.LoadInt32(&l.closed) == 0 {
		select {
		case l.entryChan <- e:
		default:
			atomic.AddInt64(&l.dropped, 1)
		}
		return
	}
	writeEntry(output, format, e)
}

func (l *Logger) asyncWriter() {
	defer l.wg.Done()
	for e := range l.entryChan {
		l.mu.RLock()
		output := l.output
		format := l.format
		l.mu.RUnlock()
		writeEntry(output, format, e)
	}
}

func writeEntry(w io.Writer, format Format, e *Entry) {
	var line string
	switch format {
	case FormatJSON:
		data, _ := json.Marshal(e)
		line = string(data) + "\n"
	default:
		line = formatText(e)
	}
	w.Write([]byte(line))
}

func formatText(e *Entry) string {
	var b strings.Builder
	b.WriteString(e.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteString(" ")
	fmt.Fprintf(&b, "%-5s", e.Level.String())
	b.WriteString(" [")
	b.WriteString(string(e.Category))
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.ErrorStr != "" {
		b.WriteString(" error=\"")
		b.WriteString(e.ErrorStr)
		b.WriteString("\"")
	}
	for k, v := range e.Fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteString("\n")
	return b.String()
}

func (l *Logger) Debug(cat Category, msg string, fields ...interface{}) {
	l.log(LevelDebug, cat, msg, nil, fields...)
}
func (l *Logger) Info(cat Category, msg string, fields ...interface{}) {
	l.log(LevelInfo, cat, msg, nil, fields...)
}
func (l *Logger) Warn(cat Category, msg string, fields ...interface{}) {
	l.log(LevelWarn, cat, msg, nil, fields...)
}
func (l *Logger) Error(cat Category, msg string, err error, fields ...interface{}) {
	l.log(LevelError, cat, msg, err, fields...)
}

// Conn, Auth, Query, and Wire return a CategoryLogger bound to the
// corresponding category, so call sites read `c.log.Conn().Info(...)`
// instead of repeating the category at every call.
func (l *Logger) Conn() *CategoryLogger  { return &CategoryLogger{l, CategoryConn} }
func (l *Logger) Auth() *CategoryLogger  { return &CategoryLogger{l, CategoryAuth} }
func (l *Logger) Query() *CategoryLogger { return &CategoryLogger{l, CategoryQuery} }
func (l *Logger) Wire() *CategoryLogger  { return &CategoryLogger{l, CategoryWire} }

type CategoryLogger struct {
	logger   *Logger
	category Category
}

func (cl *CategoryLogger) Debug(msg string, fields ...interface{}) {
	cl.logger.log(LevelDebug, cl.category, msg, nil, fields...)
}
func (cl *CategoryLogger) Info(msg string, fields ...interface{}) {
	cl.logger.log(LevelInfo, cl.category, msg, nil, fields...)
}
func (cl *CategoryLogger) Warn(msg string, fields ...interface{}) {
	cl.logger.log(LevelWarn, cl.category, msg, nil, fields...)
}
func (cl *CategoryLogger) Error(msg string, err error, fields ...interface{}) {
	cl.logger.log(LevelError, cl.category, msg, err, fields...)
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

func Default() *Logger {
	defaultLoggerOnce.Do(func() { defaultLogger = New(DefaultConfig()) })
	return defaultLogger
}

func SetDefault(l *Logger) { defaultLogger = l }
