package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/alertbridge/pkg/buildinfo"
	"github.com/cyclopcam/alertbridge/pkg/dbh"
	"github.com/cyclopcam/alertbridge/server"
	"github.com/cyclopcam/alertbridge/server/config"
	"github.com/cyclopcam/alertbridge/server/log"
)

func main() {
	parser := argparse.NewParser("alertbridge", "Stores camera alerts and pushes them to live viewers")
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML configuration file (optional)", Default: ""})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address, eg :8080 (overrides config file)", Default: ""})
	dbFile := parser.String("", "db", &argparse.Options{Help: "sqlite database file (overrides config file)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := log.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbFile != "" {
		cfg.Database.Driver = dbh.DriverSqlite
		cfg.Database.Database = *dbFile
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.MinLevel = lvl
	}

	logger.Infof("alertbridge %v", buildinfo.Version)
	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
	}
	if err := <-srv.ShutdownComplete; err != nil {
		logger.Warnf("Shutdown error: %v", err)
	}
}
