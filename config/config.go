package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SysConfig system configuration
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig web server configuration
type WebConfig struct {
	Host           string   `yaml:"host" json:"host"`
	Port           int      `yaml:"port" json:"port"`
	Secret         string   `yaml:"secret" json:"-"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// DBConfig database configuration
type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"-"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// LogConfig logging configuration
type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// WhatsappConfig controls the per-tenant session manager.
type WhatsappConfig struct {
	// Driver selects the handle implementation: "whatsmeow" or "simulated".
	Driver string `yaml:"driver" json:"driver"`
	// SessionDir is the root of the per-tenant credential cache directories.
	SessionDir         string        `yaml:"session_dir" json:"session_dir"`
	DefaultCountryCode string        `yaml:"default_country_code" json:"default_country_code"`
	InitTimeout        time.Duration `yaml:"init_timeout" json:"init_timeout"`
	// BackendURL receives forwarded lifecycle events; empty disables forwarding.
	BackendURL      string        `yaml:"backend_url" json:"backend_url"`
	BackendToken    string        `yaml:"backend_token" json:"-"`
	ForwardTimeout  time.Duration `yaml:"forward_timeout" json:"forward_timeout"`
	ForwardWorkers  int           `yaml:"forward_workers" json:"forward_workers"`
	VerifyRecipient bool          `yaml:"verify_recipient" json:"verify_recipient"`
	PrintQR         bool          `yaml:"print_qr" json:"print_qr"`
	ProcessTag      string        `yaml:"process_tag" json:"process_tag"`
	// SimulatedReadyDelay is how long the simulated driver waits before reporting ready.
	SimulatedReadyDelay time.Duration `yaml:"simulated_ready_delay" json:"simulated_ready_delay"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DBConfig       `yaml:"database" json:"database"`
	Logger   LogConfig      `yaml:"logger" json:"logger"`
	Whatsapp WhatsappConfig `yaml:"whatsapp" json:"whatsapp"`
}

// GetDataDir returns the data directory under workdir
func (c *AppConfig) GetDataDir() string {
	return filepath.Join(c.System.Workdir, "data")
}

// GetLogDir returns the log directory under workdir
func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

// GetSessionDir returns the credential cache root, resolved against workdir when relative.
func (c *AppConfig) GetSessionDir() string {
	dir := c.Whatsapp.SessionDir
	if dir == "" {
		dir = "sessions"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.GetDataDir(), dir)
}

// InitDirs creates the working directories
func (c *AppConfig) InitDirs() error {
	for _, dir := range []string{c.GetDataDir(), c.GetLogDir(), c.GetSessionDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create dir %s", dir)
		}
	}
	return nil
}

// DefaultAppConfig returns the configuration used when no file is given.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "WaGate",
			Location: "Asia/Kolkata",
			Workdir:  "/var/wagate",
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8002,
		},
		Database: DBConfig{
			Type:     "sqlite",
			Name:     "wagate.db",
			MaxConn:  50,
			IdleConn: 5,
		},
		Logger: LogConfig{
			Mode:     "development",
			Filename: "/var/wagate/logs/wagate.log",
		},
		Whatsapp: WhatsappConfig{
			Driver:              "whatsmeow",
			SessionDir:          "sessions",
			DefaultCountryCode:  "91",
			InitTimeout:         45 * time.Second,
			ForwardTimeout:      5 * time.Second,
			ForwardWorkers:      16,
			VerifyRecipient:     true,
			ProcessTag:          "wagate-session",
			SimulatedReadyDelay: 5 * time.Second,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults, then applies
// WAGATE_* environment overrides. An empty path skips the file.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config file")
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func setEnvString(name string, val *string) {
	if v, ok := os.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
		*val = strings.TrimSpace(v)
	}
}

func setEnvInt(name string, val *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := cast.ToIntE(strings.TrimSpace(v)); err == nil {
			*val = n
		}
	}
}

func setEnvBool(name string, val *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := cast.ToBoolE(strings.TrimSpace(v)); err == nil {
			*val = b
		}
	}
}

func setEnvDuration(name string, val *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := cast.ToDurationE(strings.TrimSpace(v)); err == nil {
			*val = d
		}
	}
}

func applyEnv(cfg *AppConfig) {
	setEnvString("WAGATE_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvString("WAGATE_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBool("WAGATE_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvString("WAGATE_WEB_HOST", &cfg.Web.Host)
	setEnvInt("WAGATE_WEB_PORT", &cfg.Web.Port)
	setEnvString("WAGATE_WEB_SECRET", &cfg.Web.Secret)
	if v := os.Getenv("WAGATE_WEB_ALLOWED_ORIGINS"); v != "" {
		cfg.Web.AllowedOrigins = strings.Split(v, ",")
	}

	setEnvString("WAGATE_DATABASE_TYPE", &cfg.Database.Type)
	setEnvString("WAGATE_DATABASE_HOST", &cfg.Database.Host)
	setEnvInt("WAGATE_DATABASE_PORT", &cfg.Database.Port)
	setEnvString("WAGATE_DATABASE_NAME", &cfg.Database.Name)
	setEnvString("WAGATE_DATABASE_USER", &cfg.Database.User)
	setEnvString("WAGATE_DATABASE_PASSWD", &cfg.Database.Passwd)

	setEnvString("WAGATE_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBool("WAGATE_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)
	setEnvString("WAGATE_LOGGER_FILENAME", &cfg.Logger.Filename)

	setEnvString("WAGATE_WHATSAPP_DRIVER", &cfg.Whatsapp.Driver)
	setEnvString("WAGATE_WHATSAPP_SESSION_DIR", &cfg.Whatsapp.SessionDir)
	setEnvString("WAGATE_WHATSAPP_DEFAULT_COUNTRY_CODE", &cfg.Whatsapp.DefaultCountryCode)
	setEnvDuration("WAGATE_WHATSAPP_INIT_TIMEOUT", &cfg.Whatsapp.InitTimeout)
	setEnvString("WAGATE_WHATSAPP_BACKEND_URL", &cfg.Whatsapp.BackendURL)
	setEnvString("WAGATE_WHATSAPP_BACKEND_TOKEN", &cfg.Whatsapp.BackendToken)
	setEnvDuration("WAGATE_WHATSAPP_FORWARD_TIMEOUT", &cfg.Whatsapp.ForwardTimeout)
	setEnvInt("WAGATE_WHATSAPP_FORWARD_WORKERS", &cfg.Whatsapp.ForwardWorkers)
	setEnvBool("WAGATE_WHATSAPP_VERIFY_RECIPIENT", &cfg.Whatsapp.VerifyRecipient)
	setEnvBool("WAGATE_WHATSAPP_PRINT_QR", &cfg.Whatsapp.PrintQR)
	setEnvDuration("WAGATE_WHATSAPP_SIMULATED_READY_DELAY", &cfg.Whatsapp.SimulatedReadyDelay)
}
