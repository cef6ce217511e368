// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration with the precedence
// ENV > file > defaults and owns hot reloading of the dynamically safe
// subset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is one immutable configuration snapshot. Listen address, directory
// root and engine binaries are boot-only; the reload path only swaps
// snapshots read through a Holder.
type Config struct {
	ListenAddr string
	TmpDir     string
	JobTTL     time.Duration

	LogLevel  string
	LogPretty bool

	// APIToken enables bearer auth on /v2 routes when non-empty.
	APIToken string

	MaxUploadBytes   int64
	MaxDownloadBytes int64

	RateLimitRPS   int
	RateLimitBurst int

	// AudioPathRoot confines audioPath inputs to a directory subtree when
	// non-empty. Empty keeps the historical behavior: any absolute path.
	AudioPathRoot string

	Outbound  Outbound
	Engines   Engines
	Telemetry Telemetry
}

// Outbound is the audioUrl download policy.
type Outbound struct {
	Enabled      bool
	AllowHosts   []string
	AllowCIDRs   []string
	AllowPorts   []int
	AllowSchemes []string
}

// Engines locates the external tools and their fixed knobs.
type Engines struct {
	FFmpegBin string

	DemucsBin        string
	DemucsArgs       []string
	DemucsMP3Bitrate int
	DemucsJobs       int

	ASRWorkerBin    string
	ASRWorkerScript string
	ASRDevice       string
	ASRNCPU         int
	ASRIdleSeconds  int
}

// Telemetry configures the OTLP trace exporter.
type Telemetry struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	SampleRatio float64
	Environment string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr: ":8080",
		TmpDir:     filepath.Join(os.TempDir(), "stemscribe"),
		JobTTL:     21600 * time.Second,

		LogLevel:  "info",
		LogPretty: false,

		MaxUploadBytes:   2 << 30,
		MaxDownloadBytes: 0,

		RateLimitRPS:   10,
		RateLimitBurst: 20,

		Outbound: Outbound{
			Enabled:      false,
			AllowPorts:   []int{80, 443},
			AllowSchemes: []string{"http", "https"},
		},
		Engines: Engines{
			FFmpegBin:        "ffmpeg",
			DemucsBin:        "python3",
			DemucsArgs:       []string{"-m", "demucs.separate"},
			DemucsMP3Bitrate: 256,
			DemucsJobs:       2,
			ASRWorkerBin:     "python3",
			ASRDevice:        "cpu",
			ASRNCPU:          4,
			ASRIdleSeconds:   300,
		},
		Telemetry: Telemetry{
			Enabled:     false,
			Exporter:    "http",
			Endpoint:    "localhost:4318",
			SampleRatio: 1.0,
			Environment: "production",
		},
	}
}

// FromEnv overlays environment variables on a base configuration.
func FromEnv(base Config) Config {
	cfg := base
	cfg.ListenAddr = ParseString("LISTEN_ADDR", base.ListenAddr)
	cfg.TmpDir = ParseString("TMP_DIR", base.TmpDir)
	cfg.JobTTL = ParseDuration("JOB_TTL_SECONDS", base.JobTTL)

	cfg.LogLevel = ParseString("LOG_LEVEL", base.LogLevel)
	cfg.LogPretty = ParseBool("LOG_PRETTY", base.LogPretty)

	cfg.APIToken = ParseString("API_TOKEN", base.APIToken)

	cfg.MaxUploadBytes = ParseInt64("MAX_UPLOAD_BYTES", base.MaxUploadBytes)
	cfg.MaxDownloadBytes = ParseInt64("MAX_DOWNLOAD_BYTES", base.MaxDownloadBytes)

	cfg.RateLimitRPS = ParseInt("RATE_LIMIT_RPS", base.RateLimitRPS)
	cfg.RateLimitBurst = ParseInt("RATE_LIMIT_BURST", base.RateLimitBurst)

	cfg.AudioPathRoot = ParseString("AUDIO_PATH_ROOT", base.AudioPathRoot)

	cfg.Outbound.Enabled = ParseBool("OUTBOUND_ENABLED", base.Outbound.Enabled)
	cfg.Outbound.AllowHosts = ParseStringSlice("OUTBOUND_ALLOW_HOSTS", base.Outbound.AllowHosts)
	cfg.Outbound.AllowCIDRs = ParseStringSlice("OUTBOUND_ALLOW_CIDRS", base.Outbound.AllowCIDRs)
	cfg.Outbound.AllowPorts = ParseIntSlice("OUTBOUND_ALLOW_PORTS", base.Outbound.AllowPorts)
	cfg.Outbound.AllowSchemes = ParseStringSlice("OUTBOUND_ALLOW_SCHEMES", base.Outbound.AllowSchemes)

	cfg.Engines.FFmpegBin = ParseString("FFMPEG_BIN", base.Engines.FFmpegBin)
	cfg.Engines.DemucsBin = ParseString("DEMUCS_BIN", base.Engines.DemucsBin)
	cfg.Engines.DemucsArgs = ParseStringSlice("DEMUCS_ARGS", base.Engines.DemucsArgs)
	cfg.Engines.DemucsMP3Bitrate = ParseInt("DEMUCS_MP3_BITRATE", base.Engines.DemucsMP3Bitrate)
	cfg.Engines.DemucsJobs = ParseInt("DEMUCS_JOBS", base.Engines.DemucsJobs)
	cfg.Engines.ASRWorkerBin = ParseString("ASR_WORKER_BIN", base.Engines.ASRWorkerBin)
	cfg.Engines.ASRWorkerScript = ParseString("ASR_WORKER_SCRIPT", base.Engines.ASRWorkerScript)
	cfg.Engines.ASRDevice = ParseString("ASR_DEVICE", base.Engines.ASRDevice)
	cfg.Engines.ASRNCPU = ParseInt("ASR_NCPU", base.Engines.ASRNCPU)
	cfg.Engines.ASRIdleSeconds = ParseInt("ASR_IDLE_SECONDS", base.Engines.ASRIdleSeconds)

	cfg.Telemetry.Enabled = ParseBool("OTEL_ENABLED", base.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString("OTEL_EXPORTER", base.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString("OTEL_ENDPOINT", base.Telemetry.Endpoint)
	cfg.Telemetry.SampleRatio = ParseFloat("OTEL_SAMPLE_RATIO", base.Telemetry.SampleRatio)
	cfg.Telemetry.Environment = ParseString("OTEL_ENVIRONMENT", base.Telemetry.Environment)

	return cfg
}

// Load builds the effective configuration: defaults, then the optional YAML
// file, then the environment.
func Load(filePath string) (Config, error) {
	cfg := Defaults()
	if filePath != "" {
		fileCfg, err := mergeFile(cfg, filePath)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}
	cfg = FromEnv(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg Config) error {
	if cfg.TmpDir == "" {
		return fmt.Errorf("tmp dir must not be empty")
	}
	if !filepath.IsAbs(cfg.TmpDir) {
		return fmt.Errorf("tmp dir must be absolute: %s", cfg.TmpDir)
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if cfg.JobTTL <= 0 {
		return fmt.Errorf("job TTL must be positive: %s", cfg.JobTTL)
	}
	if cfg.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive: %d", cfg.MaxUploadBytes)
	}
	if cfg.MaxDownloadBytes < 0 {
		return fmt.Errorf("max download bytes must not be negative: %d", cfg.MaxDownloadBytes)
	}
	if cfg.RateLimitRPS < 1 || cfg.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit rps/burst must be at least 1")
	}
	if cfg.AudioPathRoot != "" && !filepath.IsAbs(cfg.AudioPathRoot) {
		return fmt.Errorf("audio path root must be absolute: %s", cfg.AudioPathRoot)
	}
	if b := cfg.Engines.DemucsMP3Bitrate; b < 32 || b > 320 {
		return fmt.Errorf("demucs mp3 bitrate out of range [32,320]: %d", b)
	}
	if cfg.Engines.DemucsJobs < 1 {
		return fmt.Errorf("demucs jobs must be at least 1: %d", cfg.Engines.DemucsJobs)
	}
	if cfg.Engines.ASRNCPU < 1 {
		return fmt.Errorf("asr ncpu must be at least 1: %d", cfg.Engines.ASRNCPU)
	}
	if cfg.Engines.ASRIdleSeconds < 0 {
		return fmt.Errorf("asr idle seconds must not be negative: %d", cfg.Engines.ASRIdleSeconds)
	}
	switch cfg.Telemetry.Exporter {
	case "grpc", "http", "noop", "":
	default:
		return fmt.Errorf("unknown telemetry exporter: %s", cfg.Telemetry.Exporter)
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry sample ratio out of range [0,1]: %f", r)
	}
	return nil
}
