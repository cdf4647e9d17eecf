package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultFile is used when the file sink is enabled without a path.
const DefaultFile = "./cronrunner.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the log sinks and rebuilds them on Apply.
type Service struct {
	out atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	console  io.Writer
	file     *os.File
	filePath string
}

// New builds the sinks for cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{console: os.Stderr}
	s.Apply(cfg)
	return s, Logger{out: &s.out}
}

// Apply rebuilds the output for cfg. The log file stays open when its path
// is unchanged. With no sink enabled, records go to the console.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, s.consoleWriter())
	}
	if f := s.fileSink(cfg.File); f != nil {
		sinks = append(sinks, zerolog.SyncWriter(f))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, s.consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.out.Store(&zl)
}

// fileSink returns the open log file for fc, reopening only on a path
// change. A file that cannot be opened is reported on stderr and skipped.
func (s *Service) fileSink(fc FileConfig) *os.File {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = DefaultFile
	}
	if !fc.Enabled || path != s.filePath {
		if s.file != nil {
			_ = s.file.Close()
		}
		s.file, s.filePath = nil, ""
	}
	if !fc.Enabled || s.file != nil {
		return s.file
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		return nil
	}
	s.file, s.filePath = f, path
	return f
}

func (s *Service) consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{
		Out:          s.console,
		TimeFormat:   TimeLayout,
		FormatCaller: func(i any) string {
			c, _ := i.(string)
			return c
		},
	}
}

// Close closes the log file. Records logged afterwards to a file-only
// configuration are lost.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}
