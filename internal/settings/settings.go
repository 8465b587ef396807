// Package settings loads the host daemon's bootstrap settings.
//
// These are the knobs the daemon needs before it can do anything else:
// where to listen, where to keep its data, how to find the sidecar
// interpreters and the timing constants of the event pipeline. They are
// distinct from the user-facing Configuration Document in package config,
// which the dashboard edits at runtime.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the settings file name inside the data directory.
const FileName = "hana.yaml"

// Settings holds all bootstrap settings.
type Settings struct {
	Server ServerSettings `mapstructure:"server" yaml:"server"`
	Data   DataSettings   `mapstructure:"data" yaml:"data"`
	Speech SpeechSettings `mapstructure:"speech" yaml:"speech"`
	TTS    TTSSettings    `mapstructure:"tts" yaml:"tts"`
	Timing TimingSettings `mapstructure:"timing" yaml:"timing"`
	Log    LogSettings    `mapstructure:"log" yaml:"log"`
}

// ServerSettings configures the REST/WebSocket listener.
type ServerSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// PublicURL is the base the renderer uses to pull TTS streams.
	PublicURL string `mapstructure:"public_url" yaml:"public_url"`
}

// DataSettings locates per-user state.
type DataSettings struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// SpeechSettings configures the speech/LLM sidecar.
type SpeechSettings struct {
	Script       string   `mapstructure:"script" yaml:"script"`
	Interpreters []string `mapstructure:"interpreters" yaml:"interpreters"`
	Disabled     bool     `mapstructure:"disabled" yaml:"disabled"`
}

// TTSSettings configures the GPT-SoVITS inference server sidecar.
type TTSSettings struct {
	Root         string        `mapstructure:"root" yaml:"root"`
	Script       string        `mapstructure:"script" yaml:"script"`
	Interpreters []string      `mapstructure:"interpreters" yaml:"interpreters"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
}

// TimingSettings holds the pipeline's timing constants.
type TimingSettings struct {
	SaveDebounce     time.Duration `mapstructure:"save_debounce" yaml:"save_debounce"`
	CoalesceInterval time.Duration `mapstructure:"coalesce_interval" yaml:"coalesce_interval"`
	RestartDelay     time.Duration `mapstructure:"restart_delay" yaml:"restart_delay"`
	QuitGrace        time.Duration `mapstructure:"quit_grace" yaml:"quit_grace"`
	JobTTL           time.Duration `mapstructure:"job_ttl" yaml:"job_ttl"`
	UploadTTL        time.Duration `mapstructure:"upload_ttl" yaml:"upload_ttl"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// DefaultDataDir is the per-user application data directory.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "hana")
}

// Default returns settings for a data directory.
func Default(dataDir string) *Settings {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	pythonRoot := filepath.Join(dataDir, "python")
	ttsRoot := filepath.Join(pythonRoot, "gpt-sovits")

	return &Settings{
		Server: ServerSettings{
			Addr: "127.0.0.1:3000",
		},
		Data: DataSettings{Dir: dataDir},
		Speech: SpeechSettings{
			Script: filepath.Join(pythonRoot, "main.py"),
			Interpreters: []string{
				venvPython(pythonRoot),
				systemPython(),
			},
		},
		TTS: TTSSettings{
			Root:   ttsRoot,
			Script: "api_v2.py",
			Interpreters: []string{
				embeddedPython(ttsRoot),
				venvPython(ttsRoot),
				systemPython(),
			},
			Port:         9880,
			ReadyTimeout: 60 * time.Second,
		},
		Timing: TimingSettings{
			SaveDebounce:     time.Second,
			CoalesceInterval: 16 * time.Millisecond,
			RestartDelay:     2 * time.Second,
			QuitGrace:        500 * time.Millisecond,
			JobTTL:           5 * time.Minute,
			UploadTTL:        10 * time.Minute,
		},
		Log: LogSettings{
			Level:   "debug",
			Console: true,
		},
	}
}

func embeddedPython(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "runtime", "python.exe")
	}
	return filepath.Join(root, "runtime", "bin", "python3")
}

func venvPython(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "venv", "Scripts", "python.exe")
	}
	return filepath.Join(root, "venv", "bin", "python3")
}

func systemPython() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Load reads <dataDir>/hana.yaml and HANA_* environment overrides on top of
// defaults. A missing file is created from defaults.
func Load(dataDir string) (*Settings, error) {
	cfg := Default(dataDir)
	dataDir = cfg.Data.Dir

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create data dir: %w", err)
	}

	v := newViper(cfg)
	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read settings: %w", err)
		}
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, fmt.Errorf("decode settings: %w", err)
	}
	cfg.Data.Dir = dataDir
	return cfg, nil
}

// newViper registers every default so AutomaticEnv can resolve nested keys
// such as HANA_SERVER_ADDR.
func newViper(cfg *Settings) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HANA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.public_url", cfg.Server.PublicURL)
	v.SetDefault("data.dir", cfg.Data.Dir)
	v.SetDefault("speech.script", cfg.Speech.Script)
	v.SetDefault("speech.interpreters", cfg.Speech.Interpreters)
	v.SetDefault("speech.disabled", cfg.Speech.Disabled)
	v.SetDefault("tts.root", cfg.TTS.Root)
	v.SetDefault("tts.script", cfg.TTS.Script)
	v.SetDefault("tts.interpreters", cfg.TTS.Interpreters)
	v.SetDefault("tts.port", cfg.TTS.Port)
	v.SetDefault("tts.ready_timeout", cfg.TTS.ReadyTimeout)
	v.SetDefault("timing.save_debounce", cfg.Timing.SaveDebounce)
	v.SetDefault("timing.coalesce_interval", cfg.Timing.CoalesceInterval)
	v.SetDefault("timing.restart_delay", cfg.Timing.RestartDelay)
	v.SetDefault("timing.quit_grace", cfg.Timing.QuitGrace)
	v.SetDefault("timing.job_ttl", cfg.Timing.JobTTL)
	v.SetDefault("timing.upload_ttl", cfg.Timing.UploadTTL)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.console", cfg.Log.Console)
	return v
}

// Save writes the settings file.
func Save(cfg *Settings) error {
	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	v := viper.New()
	v.Set("server", map[string]any{"addr": cfg.Server.Addr, "public_url": cfg.Server.PublicURL})
	v.Set("data", map[string]any{"dir": cfg.Data.Dir})
	v.Set("speech", map[string]any{
		"script":       cfg.Speech.Script,
		"interpreters": cfg.Speech.Interpreters,
		"disabled":     cfg.Speech.Disabled,
	})
	v.Set("tts", map[string]any{
		"root":          cfg.TTS.Root,
		"script":        cfg.TTS.Script,
		"interpreters":  cfg.TTS.Interpreters,
		"port":          cfg.TTS.Port,
		"ready_timeout": cfg.TTS.ReadyTimeout.String(),
	})
	v.Set("timing", map[string]any{
		"save_debounce":     cfg.Timing.SaveDebounce.String(),
		"coalesce_interval": cfg.Timing.CoalesceInterval.String(),
		"restart_delay":     cfg.Timing.RestartDelay.String(),
		"quit_grace":        cfg.Timing.QuitGrace.String(),
		"job_ttl":           cfg.Timing.JobTTL.String(),
		"upload_ttl":        cfg.Timing.UploadTTL.String(),
	})
	v.Set("log", map[string]any{"level": cfg.Log.Level, "console": cfg.Log.Console})

	return v.WriteConfigAs(filepath.Join(cfg.Data.Dir, FileName))
}

// PullBaseURL is the base URL clients use to fetch /tts-stream/{id}.
func (s *Settings) PullBaseURL() string {
	if s.Server.PublicURL != "" {
		return strings.TrimRight(s.Server.PublicURL, "/")
	}
	return "http://" + s.Server.Addr
}

// ConfigDir is where the Configuration Document lives.
func (s *Settings) ConfigDir() string {
	return filepath.Join(s.Data.Dir, "config")
}

// TempDir holds voice uploads awaiting transcription.
func (s *Settings) TempDir() string {
	return filepath.Join(s.Data.Dir, "temp")
}
