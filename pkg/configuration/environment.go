package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/vms-importer/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

// LoadEnv loads the given env files from the working directory, falling
// back to the module root so commands work from any subdirectory.
func LoadEnv(envFiles []string) (int, error) {
	existing := findEnvFiles(envFiles, ".")
	if len(existing) == 0 {
		if root, ok := moduleRoot(); ok {
			existing = findEnvFiles(envFiles, root)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

func findEnvFiles(envFiles []string, dir string) []string {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	return existing
}

// moduleRoot walks up from the working directory to the nearest go.mod.
func moduleRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"vms"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type SalesforceOptions struct {
	InstanceURL  string        `env:"SF_INSTANCE_URL"`
	APIVersion   string        `env:"SF_API_VERSION" envDefault:"v58.0"`
	AccessToken  string        `env:"SF_ACCESS_TOKEN"`
	PollInterval time.Duration `env:"SF_POLL_INTERVAL" envDefault:"5s"`
	PollTimeout  time.Duration `env:"SF_POLL_TIMEOUT" envDefault:"10m"`
	HTTPTimeout  time.Duration `env:"SF_HTTP_TIMEOUT" envDefault:"60s"`
}

// Validate is called only when a command actually talks to Salesforce, so
// pure-database commands keep working without credentials.
func (s *SalesforceOptions) Validate() error {
	if strings.TrimSpace(s.InstanceURL) == "" {
		return fmt.Errorf("SF_INSTANCE_URL is required")
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return fmt.Errorf("SF_ACCESS_TOKEN is required")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("SF_POLL_INTERVAL must be positive, got %s", s.PollInterval)
	}
	if s.PollTimeout < s.PollInterval {
		return fmt.Errorf("SF_POLL_TIMEOUT %s is shorter than SF_POLL_INTERVAL %s", s.PollTimeout, s.PollInterval)
	}
	return nil
}

type ImporterOptions struct {
	BatchSize      int    `env:"IMPORTER_BATCH_SIZE" envDefault:"200"`
	RecordLimit    int    `env:"IMPORTER_RECORD_LIMIT" envDefault:"0"`
	MappingDir     string `env:"IMPORTER_MAPPING_DIR" envDefault:"config/mappings"`
	ContactMapping string `env:"IMPORTER_CONTACT_MAPPING" envDefault:"contact.yaml"`
	AccountMapping string `env:"IMPORTER_ACCOUNT_MAPPING" envDefault:"account.yaml"`

	AffiliationMapping string `env:"IMPORTER_AFFILIATION_MAPPING" envDefault:"affiliation.yaml"`

	StaleRunThreshold time.Duration `env:"IMPORTER_STALE_RUN_THRESHOLD" envDefault:"30m"`
}

func (i *ImporterOptions) Validate() error {
	if i.BatchSize <= 0 {
		return fmt.Errorf("IMPORTER_BATCH_SIZE must be positive, got %d", i.BatchSize)
	}
	if i.RecordLimit < 0 {
		return fmt.Errorf("IMPORTER_RECORD_LIMIT must be non-negative, got %d", i.RecordLimit)
	}
	return nil
}

func (i *ImporterOptions) MappingPath(name string) string {
	return filepath.Join(i.MappingDir, name)
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
	Addr    string `env:"PROMETHEUS_METRICS_ADDR" envDefault:"localhost:9180"`
}

type Configuration struct {
	Database   DatabaseOptions
	Salesforce SalesforceOptions
	Importer   ImporterOptions
	Prometheus PrometheusOptions

	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/importer.log"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.Importer.Validate(); err != nil {
		return fmt.Errorf("importer configuration error: %w", err)
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
