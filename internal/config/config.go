package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr string // e.g. nsqd:4150, empty disables change events
	Topic       string // topic for mmdb_url.updated events
}

// Settings selects where the plugin settings live.
type Settings struct {
	Backend    string // sqlite, postgres or file
	SQLitePath string
	FilePath   string
}

type Schedule struct {
	Day    int // day of month, clamped to the month's length
	Hour   int
	Minute int
}

type API struct {
	HTTPPort         string // :8080
	GRPCPort         string // :50051
	JWTPublicKeyPath string // PEM file, empty disables the settings API
	JWTIssuer        string
	JWTAudience      string
	RateLimit        float64 // requests per second
	RateBurst        int
	RunTimeout       time.Duration // upper bound for POST /v1/run
}

type Tracing struct {
	Endpoint string // OTLP/HTTP host:port, empty disables export
}

type FakeSource struct {
	Port         string
	MmdbURL      string
	FailFirstN   int
	ForceStatus  int  // non-zero forces every response to this status
	Malformed    bool // serve a truncated JSON body
	ResponseWait time.Duration
}

type TokenServer struct {
	Port          string
	PrivateKeyPEM string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// Monitor configures the change event consumer.
type Monitor struct {
	Port    string
	Channel string
}

type Config struct {
	AppName        string
	LogLevel       string
	HostVersion    string // version of the hosting analytics platform
	HostConfigPath string // INI file holding the [GeoIP2] section
	DB             DB
	NSQ            NSQ
	Settings       Settings
	Schedule       Schedule
	API            API
	Tracing        Tracing
	FakeSource     FakeSource
	TokenServer    TokenServer
	Monitor        Monitor
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func FromEnv() Config {
	return Config{
		AppName:        getenv("APP_NAME", "dbipupdater"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		HostVersion:    getenv("HOST_VERSION", "5.0.0"),
		HostConfigPath: getenv("HOST_CONFIG_PATH", "config/config.ini.php"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "dbipupdater"),
		},
		NSQ: NSQ{
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", ""),
			Topic:       getenv("NSQ_MMDB_TOPIC", "mmdb_url_updates"),
		},
		Settings: Settings{
			Backend:    getenv("SETTINGS_BACKEND", "sqlite"),
			SQLitePath: getenv("SETTINGS_SQLITE_PATH", "dbipupdater.db"),
			FilePath:   getenv("SETTINGS_FILE_PATH", "dbipupdater.yaml"),
		},
		Schedule: Schedule{
			Day:    getenvInt("SCHEDULE_DAY", 2),
			Hour:   getenvInt("SCHEDULE_HOUR", 0),
			Minute: getenvInt("SCHEDULE_MINUTE", 0),
		},
		API: API{
			HTTPPort:         getenv("HTTP_PORT", ":8080"),
			GRPCPort:         getenv("GRPC_PORT", ":50051"),
			JWTPublicKeyPath: getenv("JWT_PUBLIC_KEY_PATH", ""),
			JWTIssuer:        getenv("JWT_ISSUER", "dbipupdater-token-server"),
			JWTAudience:      getenv("JWT_AUDIENCE", "dbipupdater"),
			RateLimit:        getenvFloat("API_RATE_LIMIT", 5),
			RateBurst:        getenvInt("API_RATE_BURST", 10),
			RunTimeout:       getenvDuration("API_RUN_TIMEOUT", 5*time.Minute),
		},
		Tracing: Tracing{
			Endpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
		FakeSource: FakeSource{
			Port:         getenv("FAKE_SOURCE_PORT", ":8082"),
			MmdbURL:      getenv("FAKE_SOURCE_MMDB_URL", "https://download.db-ip.com/key/example.mmdb"),
			FailFirstN:   getenvInt("FAIL_FIRST_N", 0),
			ForceStatus:  getenvInt("FORCE_STATUS", 0),
			Malformed:    getenvBool("MALFORMED", false),
			ResponseWait: getenvDuration("RESPONSE_DELAY", 0),
		},
		TokenServer: TokenServer{
			Port:          getenv("TOKEN_SERVER_PORT", ":8084"),
			PrivateKeyPEM: getenv("JWT_PRIVATE_KEY", ""),
			Issuer:        getenv("JWT_ISSUER", "dbipupdater-token-server"),
			Audience:      getenv("JWT_AUDIENCE", "dbipupdater"),
			TokenTTL:      getenvDuration("JWT_TOKEN_TTL", time.Hour),
		},
		Monitor: Monitor{
			Port:    getenv("MONITOR_PORT", ":8085"),
			Channel: getenv("MONITOR_CHANNEL", "event-monitor"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
