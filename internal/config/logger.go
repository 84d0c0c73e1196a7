package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02 15:04:05"

// InitLogger 初始化全局日志（logrus 标准 logger）
func InitLogger(cfg *Config) error {
	return configureLogger(logrus.StandardLogger(), cfg.Log)
}

// NewLogger 返回一个独立配置的 logger，供服务注入使用
func NewLogger(cfg LogConfig) (*logrus.Logger, error) {
	l := logrus.New()
	if err := configureLogger(l, cfg); err != nil {
		return nil, err
	}
	return l, nil
}

func configureLogger(l *logrus.Logger, cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.Warnf("Invalid log level '%s', using 'info'", cfg.Level)
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	}

	out, err := logOutput(cfg)
	if err != nil {
		return err
	}
	l.SetOutput(out)

	l.Debugf("Logger initialized - Level: %s, Format: %s, Output: %s", cfg.Level, cfg.Format, cfg.Output)
	return nil
}

func logOutput(cfg LogConfig) (io.Writer, error) {
	mode := strings.ToLower(cfg.Output)
	if mode != "file" && mode != "both" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	// 日志轮转
	rotate := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	if mode == "both" {
		return io.MultiWriter(os.Stdout, rotate), nil
	}
	return rotate, nil
}
