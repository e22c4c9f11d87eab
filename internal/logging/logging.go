/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging builds the zap loggers used by shmctl.
package logging

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// numeric levels accepted in SHM_LOG_LEVEL
const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelNoPrint
)

// Config defines logger configuration.
type Config struct {
	// Level is a zap level name or a number from 0 (trace) to 5 (silent).
	Level       string
	Development bool
	OutputPaths []string
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{Level: "warn", OutputPaths: []string{"stderr"}}
}

// New creates a logger. A silent level returns a no-op logger.
func New(cfg Config) (*zap.Logger, error) {
	level, silent, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if silent {
		return zap.NewNop(), nil
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = DefaultConfig().OutputPaths
	}
	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		Encoding:          encoding(cfg.Development),
		EncoderConfig:     encoderConfig(cfg.Development),
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}
	return zapCfg.Build()
}

// ParseLevel reads a level name or number. silent is set for level 5.
func ParseLevel(s string) (level zapcore.Level, silent bool, err error) {
	if s == "" {
		return zapcore.WarnLevel, false, nil
	}
	if n, convErr := strconv.Atoi(s); convErr == nil {
		switch {
		case n < levelTrace || n > levelNoPrint:
			return 0, false, fmt.Errorf("log level %d out of range", n)
		case n == levelNoPrint:
			return 0, true, nil
		case n <= levelDebug:
			// zap has no trace level
			return zapcore.DebugLevel, false, nil
		case n == levelInfo:
			return zapcore.InfoLevel, false, nil
		case n == levelWarn:
			return zapcore.WarnLevel, false, nil
		}
		return zapcore.ErrorLevel, false, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, false, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, false, nil
}

func encoding(development bool) string {
	if development {
		return "console"
	}
	return "json"
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		return zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
	}
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}
