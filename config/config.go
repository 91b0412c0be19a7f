package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures the coordinator process. An empty AdminPassword
// disables the admin API login.
type ServerConfig struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	AdminUsername  string
	AdminPassword  string
	Redis          RedisConfig
}

// RedisConfig configures the optional presence mirror. An empty Host
// disables it.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port address, or "" when redis is disabled.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

// ClientConfig configures the sync client process.
type ClientConfig struct {
	ServerURL           string
	RoomID              string
	ClientName          string
	Secret              string
	TransportPreference string
	StunServer          string
	ClipboardFile       string
	PingInterval        time.Duration
	PollInterval        time.Duration
}

const (
	minPingInterval = 10 * time.Second
	minPollInterval = 100 * time.Millisecond
)

// LoadServer reads the coordinator configuration from the environment.
func LoadServer() *ServerConfig {
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &ServerConfig{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		AdminUsername:  getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:  getEnv("ADMIN_PASSWORD", ""),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
	}
}

// LoadClient reads the sync client configuration from the environment.
// Intervals below their floor are clamped rather than rejected.
func LoadClient() *ClientConfig {
	return &ClientConfig{
		ServerURL:           getEnv("SYNC_SERVER_URL", "ws://localhost:8080"),
		RoomID:              getEnv("SYNC_ROOM_ID", ""),
		ClientName:          getEnv("SYNC_CLIENT_NAME", hostname()),
		Secret:              getEnv("SYNC_SECRET", ""),
		TransportPreference: getEnv("SYNC_TRANSPORT", "auto"),
		StunServer:          getEnv("SYNC_STUN_SERVER", "stun:stun.l.google.com:19302"),
		ClipboardFile:       getEnv("SYNC_CLIPBOARD_FILE", ""),
		PingInterval:        getDuration("SYNC_PING_INTERVAL", 30*time.Second, minPingInterval),
		PollInterval:        getDuration("SYNC_POLL_INTERVAL", time.Second, minPollInterval),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue, floor time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil {
		value = strconv.Itoa(ms) + "ms"
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	if parsed < floor {
		return floor
	}
	return parsed
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "clipboard-sync"
	}
	return name
}
