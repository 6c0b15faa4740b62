// Package config loads the task engine's service configuration: socket
// paths, the SQLite store location, and the QoS caps the scheduler enforces.
//
// Config file location:
//   - Windows: %APPDATA%\TaskEngine\service.conf
//   - Unix: ~/.config/taskengine/service.conf
//
// INI format:
//
//	[service]
//	store_path = /var/lib/taskengine/tasks.db
//	ipc_socket = /var/run/taskengine/ipc.sock
//	notify_socket = /var/run/taskengine/notify.sock
//	log_level = info
//	gc_interval_hours = 168
//
//	[quotas]
//	background_per_app = 100
//	foreground_per_app = 2000
//
//	[qos]
//	per_app_running_cap = 5
//	foreground_running_cap = 20
//	running_cap_normal = 10
//	running_cap_low = 5
//	running_cap_critical = 2
//
//	[network]
//	force_metered = false
//	force_roaming = false
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/ini.v1"
)

// ServiceConfig is the unified task engine service configuration.
type ServiceConfig struct {
	Service ServiceCoreConfig
	Quotas  QuotaConfig
	QoS     QoSConfig
	Network NetworkOverrideConfig
}

// ServiceCoreConfig contains paths and logging settings.
type ServiceCoreConfig struct {
	StorePath       string `ini:"store_path"`
	IPCSocket       string `ini:"ipc_socket"`
	NotifySocket    string `ini:"notify_socket"`
	LogLevel        string `ini:"log_level"`
	GCIntervalHours int    `ini:"gc_interval_hours"`
}

// QuotaConfig bounds the number of non-terminal tasks construct() admits
// per (uid, mode) pair.
type QuotaConfig struct {
	BackgroundPerApp int `ini:"background_per_app"`
	ForegroundPerApp int `ini:"foreground_per_app"`
}

// QoSConfig feeds the admission-set caps of §4.2.
type QoSConfig struct {
	PerAppRunningCap      int `ini:"per_app_running_cap"`
	ForegroundRunningCap  int `ini:"foreground_running_cap"`
	RunningCapNormal      int `ini:"running_cap_normal"`
	RunningCapLow         int `ini:"running_cap_low"`
	RunningCapCritical    int `ini:"running_cap_critical"`
}

// NetworkOverrideConfig holds the force_metered/force_roaming settings.
// They are loaded and saved with the rest of the config; nothing in the
// service applies them to the network classification.
type NetworkOverrideConfig struct {
	ForceMetered bool `ini:"force_metered"`
	ForceRoaming bool `ini:"force_roaming"`
}

var (
	ErrInvalidGCInterval     = errors.New("gc_interval_hours must be positive")
	ErrInvalidQuota          = errors.New("quota values must be positive")
	ErrInvalidRunningCap     = errors.New("running cap values must be positive")
)

// DefaultConfigPath returns the platform-specific default config path.
func DefaultConfigPath() (string, error) {
	var configDir string
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", errors.New("APPDATA environment variable not set")
		}
		configDir = filepath.Join(appData, "TaskEngine")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "taskengine")
	}
	return filepath.Join(configDir, "service.conf"), nil
}

// NewServiceConfig returns a ServiceConfig populated with defaults.
func NewServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Service: ServiceCoreConfig{
			StorePath:       defaultStorePath(),
			IPCSocket:       defaultSocketPath("ipc.sock"),
			NotifySocket:    defaultSocketPath("notify.sock"),
			LogLevel:        "info",
			GCIntervalHours: 7 * 24,
		},
		Quotas: QuotaConfig{
			BackgroundPerApp: 100,
			ForegroundPerApp: 2000,
		},
		QoS: QoSConfig{
			PerAppRunningCap:     5,
			ForegroundRunningCap: 20,
			RunningCapNormal:     10,
			RunningCapLow:        5,
			RunningCapCritical:   2,
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "taskengine", "tasks.db")
	}
	return filepath.Join(home, ".local", "share", "taskengine", "tasks.db")
}

func defaultSocketPath(name string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "taskengine", name)
	}
	return filepath.Join(os.TempDir(), "taskengine", name)
}

// LoadServiceConfig loads configuration from path, or the default path if
// path is empty. A missing file yields defaults, not an error.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := NewServiceConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load service.conf: %w", err)
	}

	svc := f.Section("service")
	cfg.Service.StorePath = svc.Key("store_path").MustString(cfg.Service.StorePath)
	cfg.Service.IPCSocket = svc.Key("ipc_socket").MustString(cfg.Service.IPCSocket)
	cfg.Service.NotifySocket = svc.Key("notify_socket").MustString(cfg.Service.NotifySocket)
	cfg.Service.LogLevel = svc.Key("log_level").MustString(cfg.Service.LogLevel)
	cfg.Service.GCIntervalHours = svc.Key("gc_interval_hours").MustInt(cfg.Service.GCIntervalHours)

	quotas := f.Section("quotas")
	cfg.Quotas.BackgroundPerApp = quotas.Key("background_per_app").MustInt(cfg.Quotas.BackgroundPerApp)
	cfg.Quotas.ForegroundPerApp = quotas.Key("foreground_per_app").MustInt(cfg.Quotas.ForegroundPerApp)

	qos := f.Section("qos")
	cfg.QoS.PerAppRunningCap = qos.Key("per_app_running_cap").MustInt(cfg.QoS.PerAppRunningCap)
	cfg.QoS.ForegroundRunningCap = qos.Key("foreground_running_cap").MustInt(cfg.QoS.ForegroundRunningCap)
	cfg.QoS.RunningCapNormal = qos.Key("running_cap_normal").MustInt(cfg.QoS.RunningCapNormal)
	cfg.QoS.RunningCapLow = qos.Key("running_cap_low").MustInt(cfg.QoS.RunningCapLow)
	cfg.QoS.RunningCapCritical = qos.Key("running_cap_critical").MustInt(cfg.QoS.RunningCapCritical)

	net := f.Section("network")
	cfg.Network.ForceMetered = net.Key("force_metered").MustBool(false)
	cfg.Network.ForceRoaming = net.Key("force_roaming").MustBool(false)

	return cfg, cfg.Validate()
}

// SaveServiceConfig writes cfg to path (or the default path), atomically.
func SaveServiceConfig(cfg *ServiceConfig, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f := ini.Empty()

	svc, _ := f.NewSection("service")
	svc.Key("store_path").SetValue(cfg.Service.StorePath)
	svc.Key("ipc_socket").SetValue(cfg.Service.IPCSocket)
	svc.Key("notify_socket").SetValue(cfg.Service.NotifySocket)
	svc.Key("log_level").SetValue(cfg.Service.LogLevel)
	svc.Key("gc_interval_hours").SetValue(fmt.Sprintf("%d", cfg.Service.GCIntervalHours))

	quotas, _ := f.NewSection("quotas")
	quotas.Key("background_per_app").SetValue(fmt.Sprintf("%d", cfg.Quotas.BackgroundPerApp))
	quotas.Key("foreground_per_app").SetValue(fmt.Sprintf("%d", cfg.Quotas.ForegroundPerApp))

	qos, _ := f.NewSection("qos")
	qos.Key("per_app_running_cap").SetValue(fmt.Sprintf("%d", cfg.QoS.PerAppRunningCap))
	qos.Key("foreground_running_cap").SetValue(fmt.Sprintf("%d", cfg.QoS.ForegroundRunningCap))
	qos.Key("running_cap_normal").SetValue(fmt.Sprintf("%d", cfg.QoS.RunningCapNormal))
	qos.Key("running_cap_low").SetValue(fmt.Sprintf("%d", cfg.QoS.RunningCapLow))
	qos.Key("running_cap_critical").SetValue(fmt.Sprintf("%d", cfg.QoS.RunningCapCritical))

	net, _ := f.NewSection("network")
	net.Key("force_metered").SetValue(fmt.Sprintf("%t", cfg.Network.ForceMetered))
	net.Key("force_roaming").SetValue(fmt.Sprintf("%t", cfg.Network.ForceRoaming))

	tmpPath := path + ".tmp"
	if err := f.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// Validate checks that cfg's numeric fields are within sane bounds.
func (cfg *ServiceConfig) Validate() error {
	if cfg.Service.GCIntervalHours <= 0 {
		return ErrInvalidGCInterval
	}
	if cfg.Quotas.BackgroundPerApp <= 0 || cfg.Quotas.ForegroundPerApp <= 0 {
		return ErrInvalidQuota
	}
	if cfg.QoS.PerAppRunningCap <= 0 || cfg.QoS.ForegroundRunningCap <= 0 ||
		cfg.QoS.RunningCapNormal <= 0 || cfg.QoS.RunningCapLow <= 0 || cfg.QoS.RunningCapCritical <= 0 {
		return ErrInvalidRunningCap
	}
	return nil
}

// RunningCapFor returns the global running cap for the given memory
// pressure level.
func (cfg *ServiceConfig) RunningCapFor(low, critical bool) int {
	switch {
	case critical:
		return cfg.QoS.RunningCapCritical
	case low:
		return cfg.QoS.RunningCapLow
	default:
		return cfg.QoS.RunningCapNormal
	}
}
