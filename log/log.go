// Copyright 2026 Quilt App, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides named zerolog handles shared across satchel
// components. Each subsystem asks for a handle once ("cache", "queue",
// "sync") and keeps it for the process lifetime; reconfiguration applies
// to every live handle.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Config controls log output for all handles.
type Config struct {
	Level  string
	Format string // "console" or "json"
	Color  bool
}

// DefaultConfig is used until SetConfig is called.
var DefaultConfig = &Config{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*Handle)

	logConfig           = DefaultConfig
	logWriter io.Writer = os.Stderr
)

// Handle wraps a zerolog.Logger bound to a module name.
type Handle struct {
	*zerolog.Logger

	name string
}

func (h *Handle) Infof(msg string, args ...interface{}) {
	h.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (h *Handle) Errorf(msg string, args ...interface{}) {
	h.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (h *Handle) Warnf(msg string, args ...interface{}) {
	h.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (h *Handle) Debugf(msg string, args ...interface{}) {
	h.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

// E logs err and reports whether it was non-nil.
func (h *Handle) E(err error) bool {
	if err == nil {
		return false
	}
	h.Error().CallerSkipFrame(1).Msg(err.Error())
	return true
}

// SetLevel adjusts the level of this handle only.
func (h *Handle) SetLevel(level zerolog.Level) {
	*h.Logger = h.Level(level)
}

// GetLogger returns the handle for name, creating it on first use.
func GetLogger(name string) *Handle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = newHandle(logConfig, name, logWriter)
		loggers[name] = logger
	}
	return logger
}

// SetConfig reconfigures every live handle and future ones.
func SetConfig(config *Config) {
	mu.Lock()
	defer mu.Unlock()

	logConfig = config
	for name, h := range loggers {
		nh := newHandle(config, name, logWriter)
		h.Logger = nh.Logger
	}
}

// SetOutput redirects all handles to w. Primarily for tests and the CLI.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	logWriter = w
	for name, h := range loggers {
		nh := newHandle(logConfig, name, w)
		h.Logger = nh.Logger
		h.name = name
	}
}

func newHandle(config *Config, module string, writer io.Writer) *Handle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error parsing log level %q, defaulting to info\n", config.Level)
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.StampMicro,
		}
		output.NoColor = !config.Color
		output.FormatCaller = func(i any) string {
			return formatCallerWithModule(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	return &Handle{Logger: &logger, name: module}
}

func formatCallerWithModule(i any, module string) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if len(c) > 0 {
		l := strings.Split(c, "/")
		if len(l) == 1 {
			return l[0]
		}
		return l[len(l)-2] + "/" + l[len(l)-1]
	}
	return module + " " + c
}
