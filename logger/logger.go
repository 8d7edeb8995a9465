package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type LogConfiguration struct {
	Level      string `yaml:"defaultLevel"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"outputPath"`
	TimeFormat string `yaml:"timeFormat"`
	// ShowCaller adds the log call origin (file, line) to the record.
	ShowCaller bool `yaml:"showCaller"`
	// ParticipantIDFormat: "none", "short" or "" for full IDs.
	ParticipantIDFormat string `yaml:"participantIdFormat"`
}

/*
New creates a logger based on the configuration cfg.
Unset fields are assigned default values.
*/
func New(cfg *LogConfiguration) (*slog.Logger, error) {
	if cfg == nil {
		cfg = &LogConfiguration{}
	}
	cfg.initDefaults()

	out, err := output(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("opening log output: %w", err)
	}

	h, err := cfg.handler(out)
	if err != nil {
		return nil, fmt.Errorf("creating log handler: %w", err)
	}
	return slog.New(h), nil
}

func (cfg *LogConfiguration) initDefaults() {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = "stderr"
	}
}

func (cfg *LogConfiguration) handler(out io.Writer) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		AddSource: cfg.ShowCaller,
		Level:     cfg.logLevel(),
	}

	switch strings.ToLower(cfg.Format) {
	case "text":
		opts.ReplaceAttr = composeAttrFmt(
			formatTimeAttr(cfg.TimeFormat),
			formatParticipantAttr(cfg.ParticipantIDFormat),
			formatDataAttrAsJSON,
		)
		return slog.NewTextHandler(out, opts), nil
	case "json":
		opts.ReplaceAttr = composeAttrFmt(
			formatTimeAttr(cfg.TimeFormat),
			formatParticipantAttr(cfg.ParticipantIDFormat),
		)
		return slog.NewJSONHandler(out, opts), nil
	case "ecs":
		opts.ReplaceAttr = composeAttrFmt(
			formatTimeAttr(cfg.TimeFormat),
			formatParticipantAttr(cfg.ParticipantIDFormat),
			formatAttrECS,
		)
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func (cfg *LogConfiguration) logLevel() slog.Level {
	switch strings.ToLower(cfg.Level) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "trace":
		// slog has no trace level, use the next lower custom value
		return slog.LevelDebug - 4
	default:
		return slog.LevelInfo
	}
}

func output(path string) (io.Writer, error) {
	switch path {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		return os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	}
}
