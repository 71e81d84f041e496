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

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./famsched.log"

// Service owns the configured outputs. Apply swaps them at runtime and every
// Logger derived from the Service picks up the change on its next call.
type Service struct {
	mu   sync.Mutex
	zl   atomic.Pointer[zerolog.Logger]
	file *os.File
	path string
	chat *chatSink
}

// New builds the Service from cfg. sender may be nil, in which case the chat
// sink stays off whatever cfg says.
func New(cfg Config, sender ChatSender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.chat = newChatSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if w := s.fileLocked(cfg.File); w != nil {
		outs = append(outs, w)
	}
	if s.chat != nil {
		s.chat.configure(cfg.Chat)
		if cfg.Chat.Enabled {
			outs = append(outs, s.chat)
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)
}

// fileLocked keeps the open file when the path did not change.
func (s *Service) fileLocked(fc FileConfig) io.Writer {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if !fc.Enabled || path != s.path {
		if s.file != nil {
			_ = s.file.Close()
		}
		s.file, s.path = nil, ""
	}
	if !fc.Enabled {
		return nil
	}
	if s.file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
			return nil
		}
		s.file, s.path = f, path
	}
	return zerolog.SyncWriter(s.file)
}

// Dropped counts chat lines lost to the rate limit or a full queue.
func (s *Service) Dropped() uint64 {
	if s.chat == nil {
		return 0
	}
	return s.chat.dropped.Load()
}

func (s *Service) Close() error {
	if s.chat != nil {
		s.chat.stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file, s.path = nil, ""
	}
	return err
}
