package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

const (
	EnvConfigPath = "ACQPIPE_CONFIG_PATH"
	EnvDBPassword = "ACQPIPE_DB_PASSWORD"
	DebugEnvFile  = ".debug.env"
)

type PostgresConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	DBName   string `json:"dbname"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode"`
	TimeZone string `json:"TimeZone"`
}

// DSN renders the libpq keyword/value connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		p.Host, p.User, p.Password, p.DBName, p.Port, p.SSLMode, p.TimeZone)
}

// ProcessorConfig describes an external command that turns a primary dataset
// of one filetype into a derived dataset. "{input}" and "{output}" in Command
// are replaced with the dataset directory and a scratch output directory.
type ProcessorConfig struct {
	Command  []string        `json:"command"`
	Filetype string          `json:"filetype"` // filetype of the derived dataset
	Timeout  metav1.Duration `json:"timeout"`
}

type SchedulerConfig struct {
	ID           string                     `json:"id"`           // owner tag written on claimed jobs
	CoolDown     metav1.Duration            `json:"coolDown"`     // quiet period before a dirty container is eligible
	TickInterval metav1.Duration            `json:"tickInterval"` // period of the cool-down scan
	Workers      int                        `json:"workers"`      // concurrent job runners
	Processors   map[string]ProcessorConfig `json:"processors"`   // keyed by primary filetype
}

type SMTPConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	User     string   `json:"user"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	Notify   []string `json:"notify"`
}

// Config is the pipeline configuration shared by all daemons. It is loaded
// once in main and handed to constructors.
type Config struct {
	Postgres PostgresConfig   `json:"postgres"`
	Replicas []PostgresConfig `json:"replicas"`

	StoreRoot     string   `json:"storeRoot"`     // holds data/ and archive/
	StageDir      string   `json:"stageDir"`      // landing area written by the ingest endpoint
	QuarantineDir string   `json:"quarantineDir"` // unparseable items are kept here when set
	KnownGroups   []string `json:"knownGroups"`   // lab ids accepted even before they exist in the store

	Peripherals map[string]string `json:"peripherals"` // kind -> directory

	Ingest struct {
		ServerAddr string `json:"serverAddr"` // bind address of the ingest server
		BasePath   string `json:"basePath"`   // route prefix, archives go to <basePath>/<name>
		URL        string `json:"url"`        // upload url used by reapers
	} `json:"ingest"`

	Scheduler SchedulerConfig `json:"scheduler"`

	Alert struct {
		SMTP SMTPConfig `json:"smtp"`
	} `json:"alert"`

	MetricsAddr string `json:"metricsAddr"`
}

func IsDebugMode() bool {
	return gin.Mode() == gin.DebugMode
}

// DataRoot is where live datasets are stored.
func (c *Config) DataRoot() string {
	return filepath.Join(c.StoreRoot, "data")
}

// ArchiveRoot is where archived datasets are stored.
func (c *Config) ArchiveRoot() string {
	return filepath.Join(c.StoreRoot, "archive")
}

// Default returns a configuration usable without a file, suitable for the
// reapers which only need their command line.
func Default() *Config {
	c := &Config{
		StoreRoot: "/var/lib/acqpipe",
		StageDir:  "/var/lib/acqpipe/stage",
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     "5432",
			DBName:   "acqpipe",
			User:     "acqpipe",
			SSLMode:  "disable",
			TimeZone: "Local",
		},
	}
	c.Ingest.ServerAddr = ":8080"
	c.Ingest.BasePath = "/api/v1/upload"
	c.Scheduler.CoolDown = metav1.Duration{Duration: 30 * time.Second}
	c.Scheduler.TickInterval = metav1.Duration{Duration: 5 * time.Second}
	c.Scheduler.Workers = 1
	return c
}

// Load reads the YAML file at path over the defaults. An empty path falls back
// to $ACQPIPE_CONFIG_PATH; when both are empty the defaults are returned.
// In gin debug mode a .debug.env file is loaded first if present.
func Load(path string) (*Config, error) {
	if IsDebugMode() {
		if err := godotenv.Load(DebugEnvFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		klog.Info("config path: ", path)
		if err := readConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}
	if pw := os.Getenv(EnvDBPassword); pw != "" {
		cfg.Postgres.Password = pw
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make a daemon misbehave.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("config: scheduler.workers must not be negative, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.CoolDown.Duration < 0 {
		return fmt.Errorf("config: scheduler.coolDown must not be negative")
	}
	if c.Scheduler.TickInterval.Duration <= 0 {
		return fmt.Errorf("config: scheduler.tickInterval must be positive")
	}
	for ft, p := range c.Scheduler.Processors {
		if len(p.Command) == 0 {
			return fmt.Errorf("config: processor for %q has no command", ft)
		}
	}
	return nil
}

func readConfig(filePath string, config *Config) error {
	// 读取 YAML 配置文件
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	// 解析 YAML 数据到结构体
	return yaml.Unmarshal(data, config)
}
