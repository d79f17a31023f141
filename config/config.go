// Package config 使用 viper 读取配置：默认值 < 配置文件 < ARENASYNC_ 环境变量
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"arenasync/logging"
	"arenasync/server"
	"arenasync/sim"
	"arenasync/stepper"
	"arenasync/syncer"
)

// EnvPrefix 环境变量前缀，例如 ARENASYNC_SERVER_ADDR
const EnvPrefix = "ARENASYNC"

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Engine EngineConfig `mapstructure:"engine"`
	Replay ReplayConfig `mapstructure:"replay"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	Addr             string  `mapstructure:"addr"`
	Seed             string  `mapstructure:"seed"`
	Mode             string  `mapstructure:"mode"`
	TickRate         int     `mapstructure:"tick_rate"`
	MaxInputsPerTick int     `mapstructure:"max_inputs_per_tick"`
	RecordEvery      int     `mapstructure:"record_every"`
	RecordLimit      int     `mapstructure:"record_limit"`
	DropProb         float64 `mapstructure:"simulate_drop_prob"`
}

type ClientConfig struct {
	URL         string        `mapstructure:"url"`
	Room        string        `mapstructure:"room"`
	Player      string        `mapstructure:"player"`
	TimeStep    time.Duration `mapstructure:"time_step"`
	Accumulator string        `mapstructure:"accumulator"`
	ClampWindow time.Duration `mapstructure:"clamp_window"`
	Reentrancy  string        `mapstructure:"reentrancy"`
	Drive       string        `mapstructure:"drive"`
	ViewX       float64       `mapstructure:"view_x"`
	ViewY       float64       `mapstructure:"view_y"`
	ViewW       float64       `mapstructure:"view_w"`
	ViewH       float64       `mapstructure:"view_h"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	WaitPoll    time.Duration `mapstructure:"wait_poll"`
}

type SyncConfig struct {
	Epsilon          float64 `mapstructure:"epsilon"`
	MaxDriftPerTick  float64 `mapstructure:"max_drift_per_tick"`
	ActionQueueLimit int     `mapstructure:"action_queue_limit"`
}

type EngineConfig struct {
	FrameMicros  uint64  `mapstructure:"frame_micros"`
	ShipSpeed    float64 `mapstructure:"ship_speed"`
	PickupRadius float64 `mapstructure:"pickup_radius"`
}

type ReplayConfig struct {
	DBPath           string `mapstructure:"db_path"`
	KeyframeInterval int    `mapstructure:"keyframe_interval"`
	DiffMode         bool   `mapstructure:"diff_mode"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

// SetDefaults 设置全部默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.seed", "123")
	v.SetDefault("server.mode", sim.ModeCargoRush)
	v.SetDefault("server.tick_rate", 20)
	v.SetDefault("server.max_inputs_per_tick", 4)
	v.SetDefault("server.record_every", 20)
	v.SetDefault("server.record_limit", 600)
	v.SetDefault("server.simulate_drop_prob", 0.0)

	v.SetDefault("client.url", "ws://localhost:8080/ws")
	v.SetDefault("client.room", "room-1")
	v.SetDefault("client.player", "")
	v.SetDefault("client.time_step", 16*time.Millisecond)
	v.SetDefault("client.accumulator", "clamped")
	v.SetDefault("client.clamp_window", 250*time.Millisecond)
	v.SetDefault("client.reentrancy", "skip")
	v.SetDefault("client.drive", "timer")
	v.SetDefault("client.view_x", 0.0)
	v.SetDefault("client.view_y", 0.0)
	v.SetDefault("client.view_w", 100.0)
	v.SetDefault("client.view_h", 100.0)
	v.SetDefault("client.wait_timeout", 5*time.Second)
	v.SetDefault("client.wait_poll", 100*time.Millisecond)

	def := syncer.DefaultConfig()
	v.SetDefault("sync.epsilon", def.Epsilon)
	v.SetDefault("sync.max_drift_per_tick", def.MaxDriftPerTick)
	v.SetDefault("sync.action_queue_limit", def.ActionQueueLimit)

	eng := sim.DefaultConfig()
	v.SetDefault("engine.frame_micros", eng.FrameMicros)
	v.SetDefault("engine.ship_speed", eng.ShipSpeed)
	v.SetDefault("engine.pickup_radius", eng.PickupRadius)

	v.SetDefault("replay.db_path", "replays.db")
	v.SetDefault("replay.keyframe_interval", 10)
	v.SetDefault("replay.diff_mode", true)

	lg := logging.DefaultConfig()
	v.SetDefault("log.file", lg.File)
	v.SetDefault("log.level", lg.Level)
	v.SetDefault("log.max_size_mb", lg.MaxSizeMB)
	v.SetDefault("log.max_backups", lg.MaxBackups)
	v.SetDefault("log.max_age_days", lg.MaxAgeDays)
	v.SetDefault("log.console", lg.Console)
}

// New 创建绑定了默认值与环境变量的 viper 实例
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load 读取配置；path 为空时只用默认值与环境变量
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper 从已有 viper 实例解码并校验
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	if c.Server.TickRate <= 0 {
		return errors.Newf("server.tick_rate must be positive, got %d", c.Server.TickRate)
	}
	if c.Server.DropProb < 0 || c.Server.DropProb > 1 {
		return errors.Newf("server.simulate_drop_prob must be in [0,1], got %v", c.Server.DropProb)
	}
	if c.Engine.FrameMicros == 0 || c.Engine.FrameMicros%1000 != 0 {
		return errors.Newf("engine.frame_micros must be a positive multiple of 1000, got %d", c.Engine.FrameMicros)
	}
	if _, err := c.StepperConfig(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return c.VisibleArea().Validate()
}

// StepperConfig 转换为步进器配置
func (c *Config) StepperConfig() (stepper.Config, error) {
	out := stepper.Config{TimeStep: c.Client.TimeStep, ClampWindow: c.Client.ClampWindow}
	if out.TimeStep <= 0 {
		return out, errors.Newf("client.time_step must be positive, got %s", out.TimeStep)
	}
	switch strings.ToLower(c.Client.Accumulator) {
	case "unclamped":
		out.Accumulator = stepper.Unclamped
	case "clamped":
		out.Accumulator = stepper.Clamped
		if out.ClampWindow < out.TimeStep {
			return out, errors.Newf("client.clamp_window %s shorter than time_step %s", out.ClampWindow, out.TimeStep)
		}
	default:
		return out, errors.Newf("unknown client.accumulator %q", c.Client.Accumulator)
	}
	switch strings.ToLower(c.Client.Reentrancy) {
	case "queue":
		out.Reentrancy = stepper.Queue
	case "skip":
		out.Reentrancy = stepper.Skip
	default:
		return out, errors.Newf("unknown client.reentrancy %q", c.Client.Reentrancy)
	}
	switch strings.ToLower(c.Client.Drive) {
	case "timer":
		out.Drive = stepper.DriveTimer
	case "frame", "vsync":
		out.Drive = stepper.DriveFrame
	default:
		return out, errors.Newf("unknown client.drive %q", c.Client.Drive)
	}
	return out, nil
}

func (c *Config) SyncerConfig() syncer.Config {
	return syncer.Config{
		Epsilon:          c.Sync.Epsilon,
		MaxDriftPerTick:  c.Sync.MaxDriftPerTick,
		ActionQueueLimit: c.Sync.ActionQueueLimit,
	}
}

func (c *Config) EngineConfig() sim.Config {
	return sim.Config{
		FrameMicros:  c.Engine.FrameMicros,
		ShipSpeed:    c.Engine.ShipSpeed,
		PickupRadius: c.Engine.PickupRadius,
	}
}

func (c *Config) LogConfig() logging.Config {
	return logging.Config{
		File:       c.Log.File,
		Level:      c.Log.Level,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Console:    c.Log.Console,
	}
}

// VisibleArea 客户端视口
func (c *Config) VisibleArea() sim.AABB {
	return sim.AABB{
		TopLeft:     sim.Vec2{X: c.Client.ViewX, Y: c.Client.ViewY},
		BottomRight: sim.Vec2{X: c.Client.ViewX + c.Client.ViewW, Y: c.Client.ViewY + c.Client.ViewH},
	}
}

// RoomConfig 房间参数
func (c *Config) RoomConfig() server.RoomConfig {
	return server.RoomConfig{
		Seed:             c.Server.Seed,
		Mode:             c.Server.Mode,
		TickRate:         c.Server.TickRate,
		MaxInputsPerTick: c.Server.MaxInputsPerTick,
		RecordEvery:      c.Server.RecordEvery,
		RecordLimit:      c.Server.RecordLimit,
		SimulateDropProb: c.Server.DropProb,
		KeyframeInterval: c.Replay.KeyframeInterval,
		Engine:           c.EngineConfig(),
	}
}
