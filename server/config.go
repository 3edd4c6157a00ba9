package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix 所有环境变量的前缀，例如 SYNC_TICK_RATE
const EnvPrefix = "SYNC_"

// Config 进程级配置，从环境变量读取
type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	LogFile       string `env:"LOG_FILE" envDefault:"app.log"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"10"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"3"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"7"`
	LogStderr     bool   `env:"LOG_STDERR" envDefault:"false"`

	// TickRate 每秒 Tick 次数
	TickRate int `env:"TICK_RATE" envDefault:"60"`
	// SweepInterval 心跳清扫周期：一个周期内无心跳即判定断线
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"10s"`
	PingInterval  time.Duration `env:"PING_INTERVAL" envDefault:"1s"`
	JoinTimeout   time.Duration `env:"JOIN_TIMEOUT" envDefault:"5s"`

	StartingTimeout    time.Duration `env:"STARTING_TIMEOUT" envDefault:"30s"`
	SpawnAckTimeout    time.Duration `env:"SPAWN_ACK_TIMEOUT" envDefault:"2s"`
	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"10s"`
	MinPlayers         int           `env:"MIN_PLAYERS" envDefault:"1"`
	// ReconnectGrace 掉线玩家保留席位的时长，超时后视为离开；0 表示一直保留
	ReconnectGrace time.Duration `env:"RECONNECT_GRACE" envDefault:"2m"`

	InboxCapacity int `env:"INBOX_CAPACITY" envDefault:"256"`
	SendBuffer    int `env:"SEND_BUFFER" envDefault:"64"`

	// ArchivePath sqlite 文件路径，为空则不归档
	ArchivePath string `env:"ARCHIVE_PATH"`
	// TokenSecret HS256 密钥，为空则为匿名中继模式
	TokenSecret string `env:"TOKEN_SECRET"`
}

// LoadConfig 从环境变量解析配置并校验
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig 仅取 envDefault 默认值，不读取进程环境
func DefaultConfig() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: map[string]string{}}); err != nil {
		panic(err)
	}
	return cfg
}

// Validate 检查取值范围
func (c Config) Validate() error {
	if c.TickRate <= 0 || c.TickRate > 1000 {
		return fmt.Errorf("%sTICK_RATE must be in (0, 1000], got %d", EnvPrefix, c.TickRate)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%sSWEEP_INTERVAL must be positive", EnvPrefix)
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.SweepInterval {
		return fmt.Errorf("%sPING_INTERVAL must be positive and shorter than the sweep interval", EnvPrefix)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("%sJOIN_TIMEOUT must be positive", EnvPrefix)
	}
	if c.InboxCapacity <= 0 || c.SendBuffer <= 0 {
		return fmt.Errorf("%sINBOX_CAPACITY and %sSEND_BUFFER must be positive", EnvPrefix, EnvPrefix)
	}
	if c.MinPlayers < 1 {
		return fmt.Errorf("%sMIN_PLAYERS must be at least 1", EnvPrefix)
	}
	if c.ReconnectGrace < 0 {
		return fmt.Errorf("%sRECONNECT_GRACE must not be negative", EnvPrefix)
	}
	return nil
}

// TickInterval 由 TickRate 推导
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Log 日志配置
func (c Config) Log() LogConfig {
	return LogConfig{
		File:       c.LogFile,
		Level:      c.LogLevel,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
		Stderr:     c.LogStderr,
	}
}

// Session 每个会话的运行参数
func (c Config) Session() SessionConfig {
	return SessionConfig{
		TickInterval:       c.TickInterval(),
		StartingTimeout:    c.StartingTimeout,
		SpawnAckTimeout:    c.SpawnAckTimeout,
		CheckpointInterval: c.CheckpointInterval,
		MinPlayers:         c.MinPlayers,
		InboxCapacity:      c.InboxCapacity,
		ReconnectGrace:     c.ReconnectGrace,
	}
}

// SessionConfig 会话参数；StartingTimeout 与 SpawnAckTimeout 可在运行期通过 admin 调整
type SessionConfig struct {
	TickInterval       time.Duration
	StartingTimeout    time.Duration
	SpawnAckTimeout    time.Duration
	CheckpointInterval time.Duration
	MinPlayers         int
	InboxCapacity      int
	ReconnectGrace     time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second / 60
	}
	if c.MinPlayers < 1 {
		c.MinPlayers = 1
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = 256
	}
	return c
}
