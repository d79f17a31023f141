// Package logging 构建 zap 日志：滚动文件 + 控制台
package logging

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 日志配置
type Config struct {
	File       string // 为空时只输出到控制台
	Level      string // debug|info|warn|error
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

// DefaultConfig 10MB 每文件，保留 3 个备份
func DefaultConfig() Config {
	return Config{
		File:       "arenasync.log",
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
		Console:    true,
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
}

// ParseLevel 解析日志级别
func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return lvl, errors.Wrapf(err, "invalid log level %q", s)
	}
	return lvl, nil
}

// New 创建 logger。文件按大小滚动，控制台风格便于阅读
func New(cfg Config) (*zap.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	encoder := zapcore.NewConsoleEncoder(encoderConfig())

	var cores []zapcore.Core
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(lj), lvl))
	}
	if cfg.Console || cfg.File == "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// Sync 刷新缓冲，忽略 stderr 不支持 sync 的错误
func Sync(l *zap.Logger) {
	if l != nil {
		_ = l.Sync()
	}
}
