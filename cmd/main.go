package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	scraper "github.com/TechTeamer/techteamer-scraper"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to config file (default: search ./scraper.yaml, ~/.scraper/scraper.yaml, /etc/scraper/scraper.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	// Bootstrap logger until the configured one is built
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *genConfig {
		if err := scraper.WriteExampleConfig("scraper.yaml"); err != nil {
			logger.Error("generate config", "error", err)
			return 1
		}
		fmt.Println("Generated scraper.yaml")
		return 0
	}

	cfg, err := scraper.LoadConfig(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, closer, err := cfg.Logging.NewLogger()
	if err != nil {
		slog.Error("build logger", "error", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	metrics := scraper.NewMetrics()
	sc, err := cfg.SessionConfig(logger, metrics)
	if err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}

	launcher := &scraper.HTTPLauncher{UserAgent: cfg.Script.UserAgent, Logger: logger}
	driver := &scraper.ScriptDriver{Steps: cfg.Script.Steps, Logger: logger}
	session := scraper.NewSession[scraper.PageResult](sc, launcher, driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting session", "target", sc.Target.String(), "listen", sc.ListenAddr)
	page, err := session.Run(ctx)
	if err != nil {
		logger.Error("session failed", "kind", scraper.KindOf(err), "error", err)
		return scraper.ExitCode(err)
	}

	logger.Info("session complete", "url", page.URL, "status", page.StatusCode, "bytes", len(page.Body))
	_, _ = os.Stdout.Write(page.Body)
	return 0
}
