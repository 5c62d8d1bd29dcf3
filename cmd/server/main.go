package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptchain/internal/ai"
	"github.com/kiliankoe/promptchain/internal/ai/flux"
	"github.com/kiliankoe/promptchain/internal/ai/ollama"
	"github.com/kiliankoe/promptchain/internal/ai/openai"
	"github.com/kiliankoe/promptchain/internal/ai/vision"
	"github.com/kiliankoe/promptchain/internal/api"
	"github.com/kiliankoe/promptchain/internal/config"
	"github.com/kiliankoe/promptchain/internal/game"
	"github.com/kiliankoe/promptchain/internal/orchestrator"
	"github.com/kiliankoe/promptchain/internal/scoring"
	"github.com/kiliankoe/promptchain/internal/store"
	"github.com/kiliankoe/promptchain/internal/ws"
)

const version = "v0.3.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`Prompt Chain - collaborative image transformation game

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables (also read from .env):
  PORT                     Port to listen on (default: 8080)
  LOG_LEVEL                debug, info, warn or error (default: info)
  DATA_DIR                 Directory for stored images (default: ./data)
  FLUX_API_KEY             Image service API key (required to play turns)
  FLUX_BASE_URL            Image service base URL (default: https://api.bfl.ai/v1)
  FLUX_MAX_RETRIES         Attempts per image request (default: 3)
  FLUX_BACKOFF_UNIT        Backoff unit between attempts (default: 1s)
  FLUX_TIMEOUT             Timeout per attempt (default: 60s)
  IMAGE_WIDTH/IMAGE_HEIGHT Output size (default: 1024)
  OUTPUT_FORMAT            jpeg or png (default: jpeg)
  AUTO_OPENING             Play an automated opening round (default: false)
  OPENING_PROMPT           Prompt for the opening round
  EMBEDDING_PROVIDER       "openai" or "ollama" (default: openai)
  EMBEDDING_MODEL          Embedding model (provider default if empty)
  OPENAI_API_KEY           OpenAI API key
  OPENAI_BASE_URL          Custom OpenAI API base URL (optional)
  OLLAMA_HOST              Ollama host URL (default: http://localhost:11434)
  VISION_URL               Image similarity service (optional)
  EXPORT_ENABLED           Export game results to file (default: true)
  EXPORT_FILE              Path to export game results (default: ./promptchain-results.txt)
  ARCHIVE_PATH             SQLite results archive, "off" to disable (default: DATA_DIR/archive.db)
  SESSION_TTL              Evict sessions idle for longer than this, 0 to keep (default: 2h)

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("Prompt Chain %s\n", version)
		return
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg := config.FromEnv()
	if *portFlag != "" {
		cfg.Port = *portFlag
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = log.Output(cw)
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.FluxAPIKey == "" {
		log.Warn().Msg("FLUX_API_KEY is not set, turns will fail as unavailable")
	}

	files := store.NewDiskFiles(cfg.DataDir)
	imageClient := flux.New(flux.Config{
		APIKey:            cfg.FluxAPIKey,
		BaseURL:           cfg.FluxBaseURL,
		GenerateEndpoint:  cfg.FluxGenerateEndpoint,
		TransformEndpoint: cfg.FluxTransformEndpoint,
		MaxAttempts:       cfg.FluxMaxRetries,
		BackoffUnit:       cfg.FluxBackoffUnit,
		AttemptTimeout:    cfg.FluxTimeout,
	}, files)

	engine := scoring.NewEngine(newOracle(cfg, files))

	o := orchestrator.New(game.NewRegistry(), files, imageClient, imageClient, engine, orchestrator.Config{
		Image:         ai.Options{Width: cfg.ImageWidth, Height: cfg.ImageHeight, Format: cfg.OutputFormat},
		AutoOpening:   cfg.AutoOpening,
		OpeningPrompt: cfg.OpeningPrompt,
		ExportEnabled: cfg.ExportEnabled,
		ExportFile:    cfg.ExportFile,
	})

	if cfg.ArchivePath != "" && cfg.ArchivePath != "off" {
		if err := os.MkdirAll(filepath.Dir(cfg.ArchivePath), 0o755); err != nil {
			log.Fatal().Err(err).Str("path", cfg.ArchivePath).Msg("cannot create archive dir")
		}
		archive, err := store.OpenArchive(cfg.ArchivePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.ArchivePath).Msg("cannot open results archive")
		}
		defer archive.Close()
		o.WithArchive(archive)
	}

	// Gin setup with custom logger (skip /socket.io noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") {
			return
		}
		log.Info().Str("method", c.Request.Method).Str("path", path).Int("status", c.Writer.Status()).Dur("dur", time.Since(start)).Msg("http")
	})

	api.New(o).Mount(r)
	sock := ws.New(o)
	o.Subscribe(sock.OnEvent)
	io := sock.Mount(r)
	defer io.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.SessionTTL > 0 {
		go janitor(ctx, o, cfg.SessionTTL)
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("listening")
		if err := r.Run(":" + cfg.Port); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// newOracle picks the embedding backend and the optional image scorer.
func newOracle(cfg config.Config, images ai.Images) ai.Oracle {
	var oracle ai.Oracle
	switch cfg.EmbeddingProvider {
	case "ollama":
		oracle.Text = &ai.TextSimilarity{Embedder: ollama.New(cfg.OllamaHost), Model: cfg.EmbeddingModel}
	default:
		if cfg.OpenAIKey == "" {
			log.Warn().Msg("OPENAI_API_KEY is not set, semantic scores will use the fallback")
		}
		oracle.Text = &ai.TextSimilarity{Embedder: openai.New(cfg.OpenAIKey, cfg.OpenAIBaseURL), Model: cfg.EmbeddingModel}
	}
	if cfg.VisionURL != "" {
		oracle.Image = vision.New(cfg.VisionURL, images)
	} else {
		log.Warn().Msg("VISION_URL is not set, image scores will use the fallback")
	}
	return oracle
}

// janitor periodically evicts idle sessions and their images.
func janitor(ctx context.Context, o *orchestrator.Orchestrator, ttl time.Duration) {
	t := time.NewTicker(min(ttl, 10*time.Minute))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ids := o.EvictIdle(ttl); len(ids) > 0 {
				log.Info().Int("count", len(ids)).Msg("evicted idle sessions")
			}
		}
	}
}
