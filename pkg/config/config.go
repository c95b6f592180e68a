package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all engine configuration
type Config struct {
	// Server configuration (demo binary)
	Server struct {
		Port    string
		Env     string
		Timeout time.Duration
	}

	// Database configuration (history persistence)
	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		Timeout  time.Duration
	}

	// Generation service endpoint
	Generation struct {
		URL            string
		RequestsPerSec float64
		Burst          int
	}

	// Engine tunables. The reconciliation proximity and survival windows are
	// empirically chosen policy values, safe to tune per deployment.
	Engine struct {
		HistoryWindow        int
		HistoryWindowReduced int
		MaxEventDelay        time.Duration
		TypingFloor          time.Duration
		TypingPerRune        time.Duration
		TypingCeiling        time.Duration
		GhostTypingDuration  time.Duration
		EventContentCap      int
		TurnContentCap       int
		RetryBase            time.Duration
		RetryStep            time.Duration
		CapacityBackoffMin   time.Duration
		BurstLimit           int
		BurstLimitFocused    int
		SilentTurnCeiling    int
		ChainPacing          time.Duration
		IdleDelay            time.Duration
		IdleDelayStep        time.Duration
		ResumeThreshold      time.Duration
		GreetingMax          int
		ReconcileInterval    time.Duration
		PageSize             int
		OptimisticSurvival   time.Duration
		TailProximity        time.Duration
		DupProximity         time.Duration
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables.
// Uses singleton pattern to ensure only one instance exists.
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = &Config{}

		// Server config
		instance.Server.Port = getEnvString("PORT", "8082")
		instance.Server.Env = getEnvString("APP_ENV", "development")
		instance.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)

		// Database config
		instance.Database.Host = getEnvString("DB_HOST", "localhost")
		instance.Database.Port = getEnvString("DB_PORT", "5432")
		instance.Database.User = getEnvString("DB_USER", "postgres")
		instance.Database.Password = getEnvString("DB_PASSWORD", "postgres")
		instance.Database.Name = getEnvString("DB_NAME", "group-chat-demo")
		instance.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
		instance.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)

		// Generation service
		instance.Generation.URL = getEnvString("GENERATION_SERVICE_URL", "http://localhost:8090/generate")
		instance.Generation.RequestsPerSec = getEnvFloat("GENERATION_RATE_LIMIT", 2)
		instance.Generation.Burst = getEnvInt("GENERATION_RATE_BURST", 4)

		// Engine tunables
		instance.Engine.HistoryWindow = getEnvInt("HISTORY_WINDOW", 16)
		instance.Engine.HistoryWindowReduced = getEnvInt("HISTORY_WINDOW_REDUCED", 10)
		instance.Engine.MaxEventDelay = getEnvDuration("MAX_EVENT_DELAY", 7*time.Second)
		instance.Engine.TypingFloor = getEnvDuration("TYPING_FLOOR", 900*time.Millisecond)
		instance.Engine.TypingPerRune = getEnvDuration("TYPING_PER_RUNE", 35*time.Millisecond)
		instance.Engine.TypingCeiling = getEnvDuration("TYPING_CEILING", 6500*time.Millisecond)
		instance.Engine.GhostTypingDuration = getEnvDuration("GHOST_TYPING_DURATION", 2500*time.Millisecond)
		instance.Engine.EventContentCap = getEnvInt("EVENT_CONTENT_CAP", 2000)
		instance.Engine.TurnContentCap = getEnvInt("TURN_CONTENT_CAP", 8000)
		instance.Engine.RetryBase = getEnvDuration("RETRY_BASE", 420*time.Millisecond)
		instance.Engine.RetryStep = getEnvDuration("RETRY_STEP", 240*time.Millisecond)
		instance.Engine.CapacityBackoffMin = getEnvDuration("CAPACITY_BACKOFF_MIN", 90*time.Second)
		instance.Engine.BurstLimit = getEnvInt("BURST_LIMIT", 2)
		instance.Engine.BurstLimitFocused = getEnvInt("BURST_LIMIT_FOCUSED", 1)
		instance.Engine.SilentTurnCeiling = getEnvInt("SILENT_TURN_CEILING", 10)
		instance.Engine.ChainPacing = getEnvDuration("CHAIN_PACING", time.Second)
		instance.Engine.IdleDelay = getEnvDuration("IDLE_DELAY", 15*time.Second)
		instance.Engine.IdleDelayStep = getEnvDuration("IDLE_DELAY_STEP", 8*time.Second)
		instance.Engine.ResumeThreshold = getEnvDuration("RESUME_THRESHOLD", 3*time.Minute)
		instance.Engine.GreetingMax = getEnvInt("GREETING_MAX", 3)
		instance.Engine.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 12*time.Second)
		instance.Engine.PageSize = getEnvInt("HISTORY_PAGE_SIZE", 50)
		instance.Engine.OptimisticSurvival = getEnvDuration("OPTIMISTIC_SURVIVAL", 15*time.Minute)
		instance.Engine.TailProximity = getEnvDuration("TAIL_PROXIMITY", 5*time.Second)
		instance.Engine.DupProximity = getEnvDuration("DUP_PROXIMITY", 15*time.Second)

		// Logging config
		instance.Logging.Level = getEnvString("LOG_LEVEL", "info")
		instance.Logging.Format = getEnvString("LOG_FORMAT", "json")
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// DSN builds the postgres connection string for the history database
func (c *Config) DSN() string {
	return "host=" + c.Database.Host +
		" port=" + c.Database.Port +
		" user=" + c.Database.User +
		" password=" + c.Database.Password +
		" dbname=" + c.Database.Name +
		" sslmode=" + c.Database.SSLMode
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
