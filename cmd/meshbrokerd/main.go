// Command meshbrokerd runs the standalone broker process: a single TCP
// listener serving the length-framed stream protocol, with the in-memory
// node registry living entirely in this process's memory.
//
// Configuration Loading Strategy (server subcommand):
// 1. Command line flag: --config points at a YAML file
// 2. Default file: attempts to load config/broker.yaml
// 3. Hardcoded defaults: falls back to config.DefaultBrokerConfig()
//
// Called by: operators, init systems, containers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenzoki/meshbroker/internal/broker"
	"github.com/tenzoki/meshbroker/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: meshbrokerd server [--config path] [--host host] [--port port] [--debug]")
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := fs.String("config", "", "path to a broker YAML config file")
	host := fs.String("host", "", "override the configured listen host")
	port := fs.Int("port", 0, "override the configured listen port")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Parse(args)

	cfg, source := loadServerConfig(*configFile)
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}

	log.Printf("meshbrokerd: starting using %s", source)
	if cfg.Debug {
		log.Printf("meshbrokerd: debug logging enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := broker.NewService(cfg)
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Ready():
		log.Printf("meshbrokerd: listening on %s", svc.Addr())
	case err := <-done:
		log.Fatalf("meshbrokerd: broker exited before becoming ready: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("meshbrokerd: received signal %s, shutting down", sig)
	case err := <-done:
		if err != nil {
			log.Printf("meshbrokerd: broker exited with error: %v", err)
		}
		return
	}

	cancel()
	if err := <-done; err != nil {
		log.Printf("meshbrokerd: shutdown error: %v", err)
	}
}

// loadServerConfig applies the same config-source priority as the
// teacher's orchestrator entrypoint: explicit file, then a conventional
// default path, then hardcoded defaults.
func loadServerConfig(explicitPath string) (*config.BrokerConfig, string) {
	if explicitPath != "" {
		cfg, err := config.LoadBroker(explicitPath)
		if err != nil {
			log.Fatalf("meshbrokerd: failed to load config from %s: %v", explicitPath, err)
		}
		return cfg, fmt.Sprintf("config file: %s", explicitPath)
	}

	const defaultPath = "config/broker.yaml"
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.LoadBroker(defaultPath)
		if err != nil {
			log.Printf("meshbrokerd: warning: %s exists but failed to parse: %v", defaultPath, err)
			return config.DefaultBrokerConfig(), "hardcoded defaults (default config failed to parse)"
		}
		return cfg, fmt.Sprintf("%s (default)", defaultPath)
	}

	return config.DefaultBrokerConfig(), "hardcoded defaults"
}
