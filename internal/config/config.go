package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Realtime  RealtimeConfig
	JWT       JWTConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	CORS      CORSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// WebSocketConfig tunes the transport pumps.
type WebSocketConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// Upgrades allowed per IP per RateWindow. Zero disables the limit.
	RateLimit  int
	RateWindow time.Duration
}

type RealtimeConfig struct {
	PrivilegedRoles []string
	AuthTimeout     time.Duration
	AuthGracePeriod time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	SendTimeout     time.Duration
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type RedisConfig struct {
	// Empty URI runs without presence tracking and rate limiting.
	URI          string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PresenceTTL  time.Duration
}

type KafkaConfig struct {
	// Empty Brokers disables both the event consumer and the command producer.
	Brokers       []string
	EventsTopic   string
	CommandsTopic string
	GroupID       string
	ClientID      string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment (NOTIFY_ prefix) and an
// optional .env file in the working directory.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NOTIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("websocket.write_wait", 10*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("websocket.ping_period", 54*time.Second)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.rate_limit", 20)
	v.SetDefault("websocket.rate_window", time.Minute)

	v.SetDefault("realtime.privileged_roles", "admin,superadmin")
	v.SetDefault("realtime.auth_timeout", 5*time.Second)
	v.SetDefault("realtime.auth_grace_period", 30*time.Second)
	v.SetDefault("realtime.idle_timeout", 0)
	v.SetDefault("realtime.sweep_interval", 10*time.Second)
	v.SetDefault("realtime.send_timeout", 250*time.Millisecond)

	v.SetDefault("jwt.secret", "secret")
	v.SetDefault("jwt.issuer", "notify-service")

	v.SetDefault("redis.uri", "")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.presence_ttl", 5*time.Minute)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.events_topic", "notify.events")
	v.SetDefault("kafka.commands_topic", "notify.device-commands")
	v.SetDefault("kafka.group_id", "notify-service")
	v.SetDefault("kafka.client_id", "notify-service")

	v.SetDefault("cors.allowed_origins", "http://localhost:3000,http://127.0.0.1:3000")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetString("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		WebSocket: WebSocketConfig{
			WriteWait:      v.GetDuration("websocket.write_wait"),
			PongWait:       v.GetDuration("websocket.pong_wait"),
			PingPeriod:     v.GetDuration("websocket.ping_period"),
			MaxMessageSize: v.GetInt64("websocket.max_message_size"),
			SendBuffer:     v.GetInt("websocket.send_buffer"),
			RateLimit:      v.GetInt("websocket.rate_limit"),
			RateWindow:     v.GetDuration("websocket.rate_window"),
		},
		Realtime: RealtimeConfig{
			PrivilegedRoles: splitList(v.GetString("realtime.privileged_roles")),
			AuthTimeout:     v.GetDuration("realtime.auth_timeout"),
			AuthGracePeriod: v.GetDuration("realtime.auth_grace_period"),
			IdleTimeout:     v.GetDuration("realtime.idle_timeout"),
			SweepInterval:   v.GetDuration("realtime.sweep_interval"),
			SendTimeout:     v.GetDuration("realtime.send_timeout"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
		},
		Redis: RedisConfig{
			URI:          v.GetString("redis.uri"),
			MaxRetries:   v.GetInt("redis.max_retries"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
			PoolSize:     v.GetInt("redis.pool_size"),
			MinIdleConns: v.GetInt("redis.min_idle_conns"),
			PresenceTTL:  v.GetDuration("redis.presence_ttl"),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(v.GetString("kafka.brokers")),
			EventsTopic:   v.GetString("kafka.events_topic"),
			CommandsTopic: v.GetString("kafka.commands_topic"),
			GroupID:       v.GetString("kafka.group_id"),
			ClientID:      v.GetString("kafka.client_id"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
}

// splitList turns "a, b,,c" into [a b c].
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SlogLevel maps the configured level name to a slog.Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
