// Package main is the entry point for the chat relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mygpt/chat-relay/internal/config"
	"github.com/mygpt/chat-relay/internal/gateway"
	"github.com/mygpt/chat-relay/internal/monitoring"
	"github.com/mygpt/chat-relay/internal/relay"
	"github.com/mygpt/chat-relay/internal/security"
	"github.com/mygpt/chat-relay/internal/store"
)

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/chat-relay/.env first
	configEnv := filepath.Join(homeDir, ".config", "chat-relay", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env (can override)
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			runServer(os.Args[2:])
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}
	runServer(os.Args[1:])
}

// resolveConfig resolves the config file.
// Checks: user flag -> filesystem locations.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	homeDir, _ := os.UserHomeDir()

	searchPaths := []string{}
	if homeDir != "" {
		searchPaths = append(searchPaths,
			filepath.Join(homeDir, ".config", "chat-relay", "config.yaml"),
		)
	}
	searchPaths = append(searchPaths, "configs/config.yaml", "config.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	return nil, "", fmt.Errorf("no config file found. Specify --config path")
}

// openStore builds the configured persistence backend.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	default:
		return store.NewMemoryStore(), nil
	}
}

func runServer(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args) // ExitOnError handles errors

	configData, configSource, err := resolveConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("No config file found. Specify --config path")
	}

	cfg, err := config.LoadFromBytes(configData)
	if err != nil {
		log.Fatal().Err(err).Str("config", configSource).Msg("failed to load configuration")
	}

	logCfg := cfg.Monitoring.Logging
	if *debug {
		logCfg.Level = "debug"
	}
	monitoring.Global(logCfg)

	log.Info().
		Str("config", configSource).
		Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Type).
		Bool("encryption", cfg.Encryption.Salt != "").
		Msg("chat relay starting")

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	var gate *security.Gate
	if cfg.Encryption.Salt != "" {
		gate = security.NewGate(cfg.Encryption.Salt)
	}

	metrics := monitoring.NewMetricsCollector()
	rl := relay.New(relay.Config{
		OpenAIKey:    cfg.Providers.OpenAIKey,
		AnthropicKey: cfg.Providers.AnthropicKey,
		OpenAIURL:    cfg.Providers.OpenAIURL,
		AnthropicURL: cfg.Providers.AnthropicURL,
		MaxRounds:    cfg.Chat.MaxHistoryRounds,
		MaxTokens:    cfg.Chat.MaxTokens,
	}, st, gate, metrics)

	gw := gateway.New(cfg, rl, metrics)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil {
		if err.Error() != "http: Server closed" {
			log.Fatal().Err(err).Msg("gateway error")
		}
	}

	log.Info().Msg("chat relay stopped")
}

func printHelp() {
	fmt.Println(`chat-relay - streaming chat relay for OpenAI and Anthropic models

Usage:
  chat-relay [serve] [flags]

Flags:
  --config string   path to config file (default: configs/config.yaml)
  --debug           enable debug logging

Environment:
  OPENAI_API_KEY      OpenAI API key
  ANTHROPIC_API_KEY   Anthropic API key
  ENCRYPTION_SALT     enables per-user message encryption when set`)
}
