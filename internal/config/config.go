package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/seantiz/runctx/internal/device"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "runctx.db"
	defaultDeviceProvider = device.ProviderEnv

	envListenAddr     = "RUNCTX_LISTEN_ADDR"
	envDBPath         = "RUNCTX_DB_PATH"
	envLogLevel       = "RUNCTX_LOG_LEVEL"
	envParamsFile     = "RUNCTX_PARAMS_FILE"
	envDeviceProvider = "RUNCTX_DEVICE_PROVIDER"
	envVisibleDevices = "RUNCTX_VISIBLE_DEVICES_VAR"
	envDevRoot        = "RUNCTX_DEV_ROOT"
	envThreadCap      = "RUNCTX_THREAD_CAP"
	envMaxThreads     = "RUNCTX_MAX_THREADS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// ParamsFile is an optional HCL file of default session parameters.
	ParamsFile string

	// DeviceProvider names the device.Provider used to count accelerators.
	DeviceProvider string
	// VisibleDevicesVar is the variable read by the env provider.
	VisibleDevicesVar string
	// DevRoot is the filesystem root scanned by the sysfs provider.
	DevRoot string

	// ThreadCap limits the host concurrency used for nthread=0. Zero means no cap.
	ThreadCap int
	// MaxThreads rejects sessions resolving to more worker threads. Zero
	// keeps the engine default.
	MaxThreads int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		LogLevel:          slog.LevelInfo,
		DeviceProvider:    defaultDeviceProvider,
		VisibleDevicesVar: device.DefaultVisibleDevicesVar,
		DevRoot:           "/",
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envParamsFile); v != "" {
		cfg.ParamsFile = v
	}
	if v := os.Getenv(envDeviceProvider); v != "" {
		cfg.DeviceProvider = strings.ToLower(v)
	}
	if v := os.Getenv(envVisibleDevices); v != "" {
		cfg.VisibleDevicesVar = v
	}
	if v := os.Getenv(envDevRoot); v != "" {
		cfg.DevRoot = v
	}
	if v := os.Getenv(envThreadCap); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ThreadCap = n
		}
	}

	if v := os.Getenv(envMaxThreads); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxThreads = n
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
