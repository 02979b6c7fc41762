// Package config loads application settings from the environment, with a
// .env file picked up when present.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Inference backend.
	ModelHost string
	ModelPort string
	ModelName string

	// Voice used when the client supplies no audio URL.
	DefaultVoice string

	// Session pacing intervals.
	FrameInterval time.Duration
	ChunkInterval time.Duration

	// Accumulation buffer caps, in bytes. Zero selects the built-in cap.
	InputBufferCap  int
	OutputBufferCap int
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	cfg := Config{
		HTTPAddress:     getString("HTTP_ADDRESS", ":8080"),
		ModelHost:       getString("MODEL_HOST", "localhost"),
		ModelPort:       getString("MODEL_PORT", "8001"),
		ModelName:       getString("MODEL_NAME", "streaming_stt"),
		DefaultVoice:    getString("DEFAULT_VOICE", "en_woman"),
		FrameInterval:   getDurationMs("FRAME_INTERVAL_MS", 40*time.Millisecond),
		ChunkInterval:   getDurationMs("CHUNK_INTERVAL_MS", 50*time.Millisecond),
		InputBufferCap:  getInt("INPUT_BUFFER_CAP", 0),
		OutputBufferCap: getInt("OUTPUT_BUFFER_CAP", 0),
	}

	log.Printf("config: HTTP_ADDRESS=%s MODEL=%s@%s:%s", cfg.HTTPAddress, cfg.ModelName, cfg.ModelHost, cfg.ModelPort)
	return cfg
}

// ModelAddress returns the backend dial target.
func (c Config) ModelAddress() string {
	return c.ModelHost + ":" + c.ModelPort
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

// getDurationMs reads a millisecond count.
func getDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Printf("config: invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
