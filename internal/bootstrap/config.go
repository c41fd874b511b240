package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 镜像存储后端
const (
	MirrorRedis = "redis"
	MirrorSQL   = "sql"
	MirrorNone  = "none"
)

// Config 结构体用于存储从环境变量、.env 文件或命令行加载的配置
type Config struct {
	ServerPort    int
	AppEnv        string // development/production
	LogLevel      string
	RedisAddr     string // 为空时不启用 Redis 相关组件
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // Redis Key 前缀
	MirrorBackend string
	DBDriver      string
	DBDSN         string

	CORSAllowedOrigin string
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxRoomsPerIP     int
	RoomCreateWindow  time.Duration

	MaxPlayersPerRoom    int
	RoomExpiry           time.Duration
	EmptyRoomGrace       time.Duration
	Countdown            time.Duration
	SweepInterval        time.Duration
	InactiveLobbyTimeout time.Duration
	InactiveRaceTimeout  time.Duration

	WikipediaAPIURL string
	PublicBaseURL   string
}

// SetDefaults 注册所有配置项的默认值，并让 viper 从同名环境变量读取。
func SetDefaults(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_port", 8001)
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_key_prefix", "wr:")
	v.SetDefault("mirror_backend", "")
	v.SetDefault("db_driver", "mysql")
	v.SetDefault("db_dsn", "")
	v.SetDefault("cors_allowed_origin", "*")
	v.SetDefault("rate_limit_max", 100)
	v.SetDefault("rate_limit_window", time.Second)
	v.SetDefault("max_rooms_per_ip", 5)
	v.SetDefault("room_create_window", time.Hour)
	v.SetDefault("max_players_per_room", 10)
	v.SetDefault("room_expiry", 2*time.Hour)
	v.SetDefault("empty_room_grace", 5*time.Minute)
	v.SetDefault("countdown", 5*time.Second)
	v.SetDefault("sweep_interval", 30*time.Second)
	v.SetDefault("inactive_lobby_timeout", 4*time.Minute)
	v.SetDefault("inactive_race_timeout", 5*time.Minute)
	v.SetDefault("wikipedia_api_url", "https://en.wikipedia.org/w/api.php")
	v.SetDefault("public_base_url", "")
}

// LoadConfig 先加载 .env（不存在时忽略），再从 viper 读取并校验配置。
func LoadConfig(v *viper.Viper) (*Config, error) {
	_ = godotenv.Load()
	SetDefaults(v)

	cfg := &Config{
		ServerPort:    v.GetInt("server_port"),
		AppEnv:        v.GetString("app_env"),
		LogLevel:      v.GetString("log_level"),
		RedisAddr:     strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		KeyPrefix:     v.GetString("redis_key_prefix"),
		MirrorBackend: strings.ToLower(strings.TrimSpace(v.GetString("mirror_backend"))),
		DBDriver:      strings.ToLower(v.GetString("db_driver")),
		DBDSN:         v.GetString("db_dsn"),

		CORSAllowedOrigin: v.GetString("cors_allowed_origin"),
		RateLimitMax:      v.GetInt("rate_limit_max"),
		RateLimitWindow:   v.GetDuration("rate_limit_window"),
		MaxRoomsPerIP:     v.GetInt("max_rooms_per_ip"),
		RoomCreateWindow:  v.GetDuration("room_create_window"),

		MaxPlayersPerRoom:    v.GetInt("max_players_per_room"),
		RoomExpiry:           v.GetDuration("room_expiry"),
		EmptyRoomGrace:       v.GetDuration("empty_room_grace"),
		Countdown:            v.GetDuration("countdown"),
		SweepInterval:        v.GetDuration("sweep_interval"),
		InactiveLobbyTimeout: v.GetDuration("inactive_lobby_timeout"),
		InactiveRaceTimeout:  v.GetDuration("inactive_race_timeout"),

		WikipediaAPIURL: v.GetString("wikipedia_api_url"),
		PublicBaseURL:   v.GetString("public_base_url"),
	}

	if cfg.MirrorBackend == "" {
		cfg.MirrorBackend = MirrorNone
		if cfg.RedisAddr != "" {
			cfg.MirrorBackend = MirrorRedis
		}
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查端口、时长和镜像后端配置
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("SERVER_PORT %d out of range", c.ServerPort)
	}
	durations := map[string]time.Duration{
		"RATE_LIMIT_WINDOW":      c.RateLimitWindow,
		"ROOM_CREATE_WINDOW":     c.RoomCreateWindow,
		"ROOM_EXPIRY":            c.RoomExpiry,
		"EMPTY_ROOM_GRACE":       c.EmptyRoomGrace,
		"COUNTDOWN":              c.Countdown,
		"SWEEP_INTERVAL":         c.SweepInterval,
		"INACTIVE_LOBBY_TIMEOUT": c.InactiveLobbyTimeout,
		"INACTIVE_RACE_TIMEOUT":  c.InactiveRaceTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %s", name, d)
		}
	}
	if c.RateLimitMax <= 0 || c.MaxRoomsPerIP <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX and MAX_ROOMS_PER_IP must be positive")
	}
	if c.MaxPlayersPerRoom <= 0 {
		return fmt.Errorf("MAX_PLAYERS_PER_ROOM must be positive")
	}

	switch c.MirrorBackend {
	case MirrorNone:
	case MirrorRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("MIRROR_BACKEND=redis requires REDIS_ADDR")
		}
	case MirrorSQL:
		if c.DBDSN == "" {
			return fmt.Errorf("MIRROR_BACKEND=sql requires DB_DSN")
		}
		if c.DBDriver != "mysql" && c.DBDriver != "postgres" {
			return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("unknown MIRROR_BACKEND %q", c.MirrorBackend)
	}
	return nil
}
