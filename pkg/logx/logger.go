package logx

import (
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// TimeLayout matches the outcome line timestamps.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// frames between zerolog's Event.Caller and the code calling Info and friends
const callerSkip = 2

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = TimeLayout
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
}

// Logger writes leveled records carrying a fixed set of fields.
// The zero value discards everything.
type Logger struct {
	out    *atomic.Pointer[zerolog.Logger]
	fields []Field
}

func fixed(zl zerolog.Logger) Logger {
	p := new(atomic.Pointer[zerolog.Logger])
	p.Store(&zl)
	return Logger{out: p}
}

// Nop returns a configured logger that writes nothing.
func Nop() Logger { return fixed(zerolog.Nop()) }

// NewWriter returns a JSON logger writing to w at level.
func NewWriter(w io.Writer, level string) Logger {
	return fixed(zerolog.New(w).Level(ParseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger())
}

// IsZero reports whether l is the unconfigured zero value.
func (l Logger) IsZero() bool { return l.out == nil && len(l.fields) == 0 }

// With returns a logger that adds fields to every record.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(lvl zerolog.Level, msg string, fields []Field) {
	if l.out == nil {
		return
	}
	e := l.out.Load().WithLevel(lvl)
	if e == nil {
		return
	}
	e.Caller(callerSkip)
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// ParseLevel maps a configured level name to a zerolog level. "warning" is
// accepted for warn; empty or unknown names give def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if s == "" || err != nil {
		return def
	}
	return lvl
}
