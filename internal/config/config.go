package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	LogLevel string
	DataDir  string

	FluxAPIKey            string
	FluxBaseURL           string
	FluxGenerateEndpoint  string
	FluxTransformEndpoint string
	FluxMaxRetries        int
	FluxBackoffUnit       time.Duration
	FluxTimeout           time.Duration
	ImageWidth            int
	ImageHeight           int
	OutputFormat          string

	AutoOpening   bool
	OpeningPrompt string

	EmbeddingProvider string
	EmbeddingModel    string
	OpenAIKey         string
	OpenAIBaseURL     string
	OllamaHost        string
	VisionURL         string

	ExportEnabled bool
	ExportFile    string
	ArchivePath   string
	SessionTTL    time.Duration
}

func FromEnv() Config {
	c := Config{}
	c.Port = getenv("PORT", "8080")
	c.LogLevel = getenv("LOG_LEVEL", "info")
	c.DataDir = getenv("DATA_DIR", "./data")

	c.FluxAPIKey = os.Getenv("FLUX_API_KEY")
	c.FluxBaseURL = getenv("FLUX_BASE_URL", "https://api.bfl.ai/v1")
	c.FluxGenerateEndpoint = getenv("FLUX_GENERATE_ENDPOINT", "/flux-pro-1.1")
	c.FluxTransformEndpoint = getenv("FLUX_TRANSFORM_ENDPOINT", "/flux-kontext-pro")
	c.FluxMaxRetries = getenvInt("FLUX_MAX_RETRIES", 3)
	c.FluxBackoffUnit = getenvDuration("FLUX_BACKOFF_UNIT", time.Second)
	c.FluxTimeout = getenvDuration("FLUX_TIMEOUT", 60*time.Second)
	c.ImageWidth = getenvInt("IMAGE_WIDTH", 1024)
	c.ImageHeight = getenvInt("IMAGE_HEIGHT", 1024)
	c.OutputFormat = strings.ToLower(getenv("OUTPUT_FORMAT", "jpeg"))

	c.AutoOpening = getenvBool("AUTO_OPENING", false)
	c.OpeningPrompt = getenv("OPENING_PROMPT", "Reimagine this picture as a vivid oil painting")

	c.EmbeddingProvider = strings.ToLower(getenv("EMBEDDING_PROVIDER", "openai"))
	c.EmbeddingModel = os.Getenv("EMBEDDING_MODEL")
	c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAIBaseURL = os.Getenv("OPENAI_BASE_URL")
	c.OllamaHost = getenv("OLLAMA_HOST", "http://localhost:11434")
	c.VisionURL = os.Getenv("VISION_URL")

	c.ExportEnabled = getenvBool("EXPORT_ENABLED", true)
	c.ExportFile = getenv("EXPORT_FILE", "./promptchain-results.txt")
	c.ArchivePath = getenv("ARCHIVE_PATH", filepath.Join(c.DataDir, "archive.db"))
	c.SessionTTL = getenvDuration("SESSION_TTL", 2*time.Hour)
	return c
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.FluxMaxRetries < 1:
		return fmt.Errorf("FLUX_MAX_RETRIES must be at least 1, got %d", c.FluxMaxRetries)
	case c.FluxBackoffUnit < 0:
		return fmt.Errorf("FLUX_BACKOFF_UNIT must not be negative, got %s", c.FluxBackoffUnit)
	case c.FluxTimeout <= 0:
		return fmt.Errorf("FLUX_TIMEOUT must be positive, got %s", c.FluxTimeout)
	case c.ImageWidth <= 0 || c.ImageHeight <= 0:
		return fmt.Errorf("image size must be positive, got %dx%d", c.ImageWidth, c.ImageHeight)
	case c.OutputFormat != "jpeg" && c.OutputFormat != "png":
		return fmt.Errorf("OUTPUT_FORMAT must be jpeg or png, got %q", c.OutputFormat)
	case c.EmbeddingProvider != "openai" && c.EmbeddingProvider != "ollama":
		return fmt.Errorf("EMBEDDING_PROVIDER must be openai or ollama, got %q", c.EmbeddingProvider)
	case c.SessionTTL < 0:
		return fmt.Errorf("SESSION_TTL must not be negative, got %s", c.SessionTTL)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(k)); err == nil {
		return v
	}
	return def
}

// getenvDuration accepts Go durations ("90s") or plain seconds ("90").
func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
