// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSchema is the YAML shape of the optional config file. Every field is a
// pointer so absent keys keep the base value.
type fileSchema struct {
	ListenAddr    *string `yaml:"listenAddr"`
	TmpDir        *string `yaml:"tmpDir"`
	JobTTLSeconds *int    `yaml:"jobTTLSeconds"`

	LogLevel  *string `yaml:"logLevel"`
	LogPretty *bool   `yaml:"logPretty"`

	APIToken *string `yaml:"apiToken"`

	MaxUploadBytes   *int64 `yaml:"maxUploadBytes"`
	MaxDownloadBytes *int64 `yaml:"maxDownloadBytes"`

	RateLimitRPS   *int `yaml:"rateLimitRPS"`
	RateLimitBurst *int `yaml:"rateLimitBurst"`

	AudioPathRoot *string `yaml:"audioPathRoot"`

	Outbound *struct {
		Enabled      *bool    `yaml:"enabled"`
		AllowHosts   []string `yaml:"allowHosts"`
		AllowCIDRs   []string `yaml:"allowCIDRs"`
		AllowPorts   []int    `yaml:"allowPorts"`
		AllowSchemes []string `yaml:"allowSchemes"`
	} `yaml:"outbound"`

	Engines *struct {
		FFmpegBin        *string  `yaml:"ffmpegBin"`
		DemucsBin        *string  `yaml:"demucsBin"`
		DemucsArgs       []string `yaml:"demucsArgs"`
		DemucsMP3Bitrate *int     `yaml:"demucsMP3Bitrate"`
		DemucsJobs       *int     `yaml:"demucsJobs"`
		ASRWorkerBin     *string  `yaml:"asrWorkerBin"`
		ASRWorkerScript  *string  `yaml:"asrWorkerScript"`
		ASRDevice        *string  `yaml:"asrDevice"`
		ASRNCPU          *int     `yaml:"asrNCPU"`
		ASRIdleSeconds   *int     `yaml:"asrIdleSeconds"`
	} `yaml:"engines"`

	Telemetry *struct {
		Enabled     *bool    `yaml:"enabled"`
		Exporter    *string  `yaml:"exporter"`
		Endpoint    *string  `yaml:"endpoint"`
		SampleRatio *float64 `yaml:"sampleRatio"`
		Environment *string  `yaml:"environment"`
	} `yaml:"telemetry"`
}

// mergeFile overlays the YAML file at path on base. Unknown keys are
// rejected so typos fail loudly at boot instead of being silently ignored.
func mergeFile(base Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var file fileSchema
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := base
	setString(&cfg.ListenAddr, file.ListenAddr)
	setString(&cfg.TmpDir, file.TmpDir)
	if file.JobTTLSeconds != nil {
		cfg.JobTTL = time.Duration(*file.JobTTLSeconds) * time.Second
	}
	setString(&cfg.LogLevel, file.LogLevel)
	setBool(&cfg.LogPretty, file.LogPretty)
	setString(&cfg.APIToken, file.APIToken)
	setInt64(&cfg.MaxUploadBytes, file.MaxUploadBytes)
	setInt64(&cfg.MaxDownloadBytes, file.MaxDownloadBytes)
	setInt(&cfg.RateLimitRPS, file.RateLimitRPS)
	setInt(&cfg.RateLimitBurst, file.RateLimitBurst)
	setString(&cfg.AudioPathRoot, file.AudioPathRoot)

	if o := file.Outbound; o != nil {
		setBool(&cfg.Outbound.Enabled, o.Enabled)
		if o.AllowHosts != nil {
			cfg.Outbound.AllowHosts = o.AllowHosts
		}
		if o.AllowCIDRs != nil {
			cfg.Outbound.AllowCIDRs = o.AllowCIDRs
		}
		if o.AllowPorts != nil {
			cfg.Outbound.AllowPorts = o.AllowPorts
		}
		if o.AllowSchemes != nil {
			cfg.Outbound.AllowSchemes = o.AllowSchemes
		}
	}

	if e := file.Engines; e != nil {
		setString(&cfg.Engines.FFmpegBin, e.FFmpegBin)
		setString(&cfg.Engines.DemucsBin, e.DemucsBin)
		if e.DemucsArgs != nil {
			cfg.Engines.DemucsArgs = e.DemucsArgs
		}
		setInt(&cfg.Engines.DemucsMP3Bitrate, e.DemucsMP3Bitrate)
		setInt(&cfg.Engines.DemucsJobs, e.DemucsJobs)
		setString(&cfg.Engines.ASRWorkerBin, e.ASRWorkerBin)
		setString(&cfg.Engines.ASRWorkerScript, e.ASRWorkerScript)
		setString(&cfg.Engines.ASRDevice, e.ASRDevice)
		setInt(&cfg.Engines.ASRNCPU, e.ASRNCPU)
		setInt(&cfg.Engines.ASRIdleSeconds, e.ASRIdleSeconds)
	}

	if t := file.Telemetry; t != nil {
		setBool(&cfg.Telemetry.Enabled, t.Enabled)
		setString(&cfg.Telemetry.Exporter, t.Exporter)
		setString(&cfg.Telemetry.Endpoint, t.Endpoint)
		if t.SampleRatio != nil {
			cfg.Telemetry.SampleRatio = *t.SampleRatio
		}
		setString(&cfg.Telemetry.Environment, t.Environment)
	}

	return cfg, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}
