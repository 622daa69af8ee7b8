package config

import (
	"log"
	"time"

	units "github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/vpsdeck.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	TLSCertFile  string `envconfig:"TLS_CERT_FILE" default:""`
	TLSKeyFile   string `envconfig:"TLS_KEY_FILE" default:""`

	// TokenKey is a base64 fernet key used to sign access tokens. Generated
	// and stored in the settings table when empty.
	TokenKey string `envconfig:"TOKEN_KEY" default:""`
	TokenTTL string `envconfig:"TOKEN_TTL" default:"12h"`

	// SSH settings
	KnownHostsPath      string `envconfig:"KNOWN_HOSTS" default:""`
	ExecConnectTimeout  string `envconfig:"EXEC_CONNECT_TIMEOUT" default:"30s"`
	ShellConnectTimeout string `envconfig:"SHELL_CONNECT_TIMEOUT" default:"15s"`
	CommandTimeout      string `envconfig:"COMMAND_TIMEOUT" default:"20m"`
	SessionIdleTimeout  string `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`

	// Terminal settings
	TerminalMaxInput string `envconfig:"TERMINAL_MAX_INPUT" default:"64KiB"`

	// Provisioning
	PlanDir          string `envconfig:"PLAN_DIR" default:""`
	CatalogPath      string `envconfig:"CATALOG_PATH" default:""`
	ProgressInterval string `envconfig:"PROGRESS_INTERVAL" default:"5s"`
	JobRetention     string `envconfig:"JOB_RETENTION" default:"720h"`

	// Optional brokers
	RedisAddr    string `envconfig:"REDIS_ADDR" default:""`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"vpsdeck:events"`
	AMQPURL      string `envconfig:"AMQP_URL" default:""`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"vpsdeck"`
}

var Cfg Settings

// Load reads an optional .env file and then the VPSDECK_* environment.
func Load() {
	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded environment from .env")
	}
	if err := envconfig.Process("VPSDECK", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Duration parses a duration setting, falling back to def when the value is
// empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Printf("WARNING: invalid duration %q, using %s", value, def)
		return def
	}
	return d
}

// Size parses a human readable byte size such as "64KiB".
func Size(value string, def int64) int64 {
	if value == "" {
		return def
	}
	n, err := units.RAMInBytes(value)
	if err != nil || n <= 0 {
		log.Printf("WARNING: invalid size %q, using %s", value, units.BytesSize(float64(def)))
		return def
	}
	return n
}
