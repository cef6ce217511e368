// SPDX-License-Identifier: MIT

// Command daemon runs the stemscribe media-processing service: an HTTP API
// over a serial engine queue that turns audio into subtitles and stems.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/stemscribe/stemscribe/internal/config"
	"github.com/stemscribe/stemscribe/internal/log"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Explicit flag wins; STEMSCRIBE_CONFIG covers container deployments
	// where flags are awkward. Empty means ENV + defaults only.
	effectivePath := strings.TrimSpace(*configPath)
	if effectivePath == "" {
		effectivePath = strings.TrimSpace(os.Getenv("STEMSCRIBE_CONFIG"))
	}

	cfg, err := config.Load(effectivePath)
	if err != nil {
		log.Configure(log.Config{Level: "info", Service: "stemscribe", Version: version})
		logger := log.WithComponent("daemon")
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "stemscribe",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	if effectivePath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", effectivePath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("addr", cfg.ListenAddr).
		Msg("starting stemscribe")

	// Log key configuration
	logger.Info().Msgf("→ Data dir: %s", cfg.TmpDir)
	logger.Info().Msgf("→ Job TTL: %s", cfg.JobTTL)
	logger.Info().Msgf("→ Transcoder: %s", cfg.Engines.FFmpegBin)
	logger.Info().Msgf("→ Separator: %s %s (bitrate %dk, jobs %d)",
		cfg.Engines.DemucsBin, strings.Join(cfg.Engines.DemucsArgs, " "),
		cfg.Engines.DemucsMP3Bitrate, cfg.Engines.DemucsJobs)
	if cfg.Engines.ASRWorkerScript != "" {
		logger.Info().Msgf("→ Recognizer: %s %s (device %s, ncpu %d)",
			cfg.Engines.ASRWorkerBin, cfg.Engines.ASRWorkerScript,
			cfg.Engines.ASRDevice, cfg.Engines.ASRNCPU)
	} else {
		logger.Warn().Msg("→ Recognizer: ASR_WORKER_SCRIPT not set, transcription jobs will fail")
	}
	if cfg.APIToken != "" {
		logger.Info().Msg("→ API token: configured")
	} else {
		logger.Warn().
			Str("security", "weak").
			Msg("→ API token: NOT configured (auth disabled). Set API_TOKEN for security.")
	}
	if cfg.Outbound.Enabled {
		logger.Info().Msgf("→ audioUrl inputs: enabled (hosts: %s)", strings.Join(cfg.Outbound.AllowHosts, ", "))
	} else {
		logger.Info().Msg("→ audioUrl inputs: disabled")
	}

	if err := run(ctx, logger, cfg, effectivePath); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon failed")
	}

	logger.Info().Msg("server exiting")
}
