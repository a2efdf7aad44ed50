// Package config loads the daemon's single YAML configuration file (spec
// §6): the control socket path, log filter, the one process to supervise,
// the named tasks the Task Scheduler fires, and the named backups the
// Backup Engine can produce.
//
// Grounded on the teacher's internal/config/config.go: a viper.Viper reads
// the file and an mapstructure decode (kebab-case tags, weakly-typed input)
// populates a plain Go struct tree; defaults are applied as a post-decode
// pass exactly as the teacher's applyGlobalLogDefaults does.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/dolorous/internal/backup"
	"github.com/loykin/dolorous/internal/scheduler"
	"github.com/loykin/dolorous/internal/supervisor"
)

// Config is the root of config.yml (spec §6).
type Config struct {
	Socket    string                   `mapstructure:"socket"`
	LogFilter string                   `mapstructure:"log-filter"`
	Metrics   MetricsConfig            `mapstructure:"metrics"`
	Process   ProcessConfig            `mapstructure:"process"`
	Tasks     map[string]TaskConfig    `mapstructure:"tasks"`
	Backups   map[string]BackupsConfig `mapstructure:"backups"`
}

// MetricsConfig is the metrics.* block (SPEC_FULL §2 domain-stack wiring):
// an optional HTTP listen address serving Prometheus collectors. Absent
// means metrics stay registered but unexposed.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ProcessLogConfig is process.log.* (SPEC_FULL §2.2 supplement): optional
// file mirroring of the child's stdout/stderr via lumberjack rotation,
// independent of the Stream Hub's in-memory ring.
type ProcessLogConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days"`
	Compress   bool   `mapstructure:"compress"`
}

// ProcessConfig is the process.* block: the single child the Supervisor
// owns.
type ProcessConfig struct {
	Command          string           `mapstructure:"command"`
	WorkingDirectory string           `mapstructure:"working-directory"`
	Restart          string           `mapstructure:"restart"`
	RestartAttempts  int              `mapstructure:"restart-attempts"`
	RestartDelay     string           `mapstructure:"restart-delay"`
	WatchDelay       string           `mapstructure:"watch-delay"`
	CacheSize        int              `mapstructure:"cache-size"`
	Env              []string         `mapstructure:"env"`
	Stop             StopPropsConfig  `mapstructure:"stop-config"`
	Log              ProcessLogConfig `mapstructure:"log"`
}

// StopPropsConfig mirrors the teacher's StopProperties: the stop command
// and the two escalation timeouts, each independently defaultable.
type StopPropsConfig struct {
	StopCommand string `mapstructure:"stop-command"`
	TermTimeout string `mapstructure:"term-timeout"`
	KillTimeout string `mapstructure:"kill-timeout"`
}

// TaskConfig is one entry of the tasks.* map.
type TaskConfig struct {
	Schedule     string         `mapstructure:"schedule"`
	TimeZone     string         `mapstructure:"timezone"`
	RunIfStopped bool           `mapstructure:"run-if-stopped"`
	Actions      []ActionConfig `mapstructure:"actions"`
}

// ActionConfig is one discriminated-union entry of a task's action list,
// tagged by Type per original_source/src/configs.rs's #[serde(tag = "type")]
// ActionType.
type ActionConfig struct {
	Type    string          `mapstructure:"type"`
	Backup  string          `mapstructure:"backup"`
	Command string          `mapstructure:"command"`
	Stop    StopPropsConfig `mapstructure:"stop"`
}

// BackupsConfig is one entry of the backups.* map (spec §6).
type BackupsConfig struct {
	Output     string   `mapstructure:"output"`
	Location   string   `mapstructure:"location"`
	TimeFormat string   `mapstructure:"time-format"`
	Name       string   `mapstructure:"name"`
	FileType   string   `mapstructure:"file-type"`
	Files      []string `mapstructure:"files"`
}

// Defaults match original_source/src/configs.rs's default_* functions and
// SPEC_FULL §2.1.
const (
	defaultLogFilter       = "info"
	defaultCacheSize       = 8192
	defaultRestartAttempts = 5
	defaultRestartDelay    = 30 * time.Second
	defaultWatchDelay      = 60 * time.Second
	defaultStopCommand     = "stop"
	defaultStopTimeout     = 180 * time.Second
	defaultWorkingDir      = "/server"
	defaultBackupTimeFmt   = "%Y%m%d-%H"
	defaultBackupName      = "{date}.{extension}"
)

// Load reads and decodes path into a Config, applying every default spec §6
// and §2.1 define. Decoding goes through an explicit mapstructure.Decoder
// (weakly-typed input, kebab-case tags) rather than viper's Unmarshal
// convenience wrapper, matching the teacher's decodeTo[T] helper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogFilter == "" {
		cfg.LogFilter = defaultLogFilter
	}
	if cfg.Process.WorkingDirectory == "" {
		cfg.Process.WorkingDirectory = defaultWorkingDir
	}
	if cfg.Process.CacheSize == 0 {
		cfg.Process.CacheSize = defaultCacheSize
	}
	if cfg.Process.RestartAttempts == 0 {
		cfg.Process.RestartAttempts = defaultRestartAttempts
	}
	if cfg.Process.RestartDelay == "" {
		cfg.Process.RestartDelay = defaultRestartDelay.String()
	}
	if cfg.Process.WatchDelay == "" {
		cfg.Process.WatchDelay = defaultWatchDelay.String()
	}
	applyStopDefaults(&cfg.Process.Stop)
	for name, task := range cfg.Tasks {
		for i := range task.Actions {
			if task.Actions[i].Type == "stop" || task.Actions[i].Type == "restart" {
				s := &task.Actions[i].Stop
				if s.StopCommand == "" {
					s.StopCommand = cfg.Process.Stop.StopCommand
				}
				if s.TermTimeout == "" {
					s.TermTimeout = cfg.Process.Stop.TermTimeout
				}
				if s.KillTimeout == "" {
					s.KillTimeout = cfg.Process.Stop.KillTimeout
				}
			}
		}
		cfg.Tasks[name] = task
	}
	for name, b := range cfg.Backups {
		if b.TimeFormat == "" {
			b.TimeFormat = defaultBackupTimeFmt
		}
		if b.Name == "" {
			b.Name = defaultBackupName
		}
		if b.FileType == "" {
			b.FileType = "zip"
		}
		cfg.Backups[name] = b
	}
}

func applyStopDefaults(s *StopPropsConfig) {
	if s.StopCommand == "" {
		s.StopCommand = defaultStopCommand
	}
	if s.TermTimeout == "" {
		s.TermTimeout = defaultStopTimeout.String()
	}
	if s.KillTimeout == "" {
		s.KillTimeout = defaultStopTimeout.String()
	}
}

// SupervisorConfig translates the process.* block into a
// supervisor.Config, resolving duration strings and the restart policy.
func (c *Config) SupervisorConfig() (supervisor.Config, error) {
	policy, err := supervisor.ParseRestartPolicy(c.Process.Restart)
	if err != nil {
		return supervisor.Config{}, err
	}
	restartDelay, err := time.ParseDuration(c.Process.RestartDelay)
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("config: process.restart-delay: %w", err)
	}
	watchDelay, err := time.ParseDuration(c.Process.WatchDelay)
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("config: process.watch-delay: %w", err)
	}
	stop, err := stopConfig(c.Process.Stop)
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Name:             "process",
		Command:          c.Process.Command,
		WorkingDirectory: c.Process.WorkingDirectory,
		Restart:          policy,
		Stop:             stop,
		RestartAttempts:  c.Process.RestartAttempts,
		RestartDelay:     restartDelay,
		WatchDelay:       watchDelay,
		CacheSize:        c.Process.CacheSize,
		Env:              c.Process.Env,
	}, nil
}

func stopConfig(s StopPropsConfig) (supervisor.StopConfig, error) {
	term, err := time.ParseDuration(s.TermTimeout)
	if err != nil {
		return supervisor.StopConfig{}, fmt.Errorf("config: term-timeout: %w", err)
	}
	kill, err := time.ParseDuration(s.KillTimeout)
	if err != nil {
		return supervisor.StopConfig{}, fmt.Errorf("config: kill-timeout: %w", err)
	}
	return supervisor.StopConfig{StopCommand: s.StopCommand, TermTimeout: term, KillTimeout: kill}, nil
}

// BackupSpecs translates the backups.* map into backup.Spec values keyed by
// name.
func (c *Config) BackupSpecs() map[string]backup.Spec {
	out := make(map[string]backup.Spec, len(c.Backups))
	for name, b := range c.Backups {
		out[name] = backup.Spec{
			Output:     b.Output,
			Location:   b.Location,
			TimeFormat: b.TimeFormat,
			Name:       b.Name,
			FileType:   backup.FileType(b.FileType),
			Files:      b.Files,
		}
	}
	return out
}

// SchedulerTasks translates the tasks.* map into scheduler.TaskConfig
// values keyed by name.
func (c *Config) SchedulerTasks() (map[string]scheduler.TaskConfig, error) {
	out := make(map[string]scheduler.TaskConfig, len(c.Tasks))
	for name, t := range c.Tasks {
		actions := make([]scheduler.Action, 0, len(t.Actions))
		for _, a := range t.Actions {
			action, err := toSchedulerAction(a)
			if err != nil {
				return nil, fmt.Errorf("config: task %s: %w", name, err)
			}
			actions = append(actions, action)
		}
		out[name] = scheduler.TaskConfig{
			Schedule:     t.Schedule,
			TimeZone:     t.TimeZone,
			RunIfStopped: t.RunIfStopped,
			Actions:      actions,
		}
	}
	return out, nil
}

func toSchedulerAction(a ActionConfig) (scheduler.Action, error) {
	switch strings.ToLower(strings.TrimSpace(a.Type)) {
	case "backup":
		return scheduler.Action{Kind: scheduler.ActionBackup, BackupName: a.Backup}, nil
	case "command":
		return scheduler.Action{Kind: scheduler.ActionCommand, Command: a.Command}, nil
	case "start":
		return scheduler.Action{Kind: scheduler.ActionStart}, nil
	case "stop":
		stop, err := stopConfig(a.Stop)
		if err != nil {
			return scheduler.Action{}, err
		}
		return scheduler.Action{Kind: scheduler.ActionStop, StopOverride: &stop}, nil
	case "restart":
		stop, err := stopConfig(a.Stop)
		if err != nil {
			return scheduler.Action{}, err
		}
		return scheduler.Action{Kind: scheduler.ActionRestart, StopOverride: &stop}, nil
	default:
		return scheduler.Action{}, fmt.Errorf("unknown action type %q", a.Type)
	}
}
