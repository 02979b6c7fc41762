package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("MODEL_HOST", "")
	os.Setenv("MODEL_NAME", "")
	os.Setenv("DEFAULT_VOICE", "")
	os.Setenv("FRAME_INTERVAL_MS", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ModelName != "streaming_stt" {
		t.Fatalf("expected default model name, got %q", cfg.ModelName)
	}
	if cfg.DefaultVoice != "en_woman" {
		t.Fatalf("expected default voice, got %q", cfg.DefaultVoice)
	}
	if cfg.FrameInterval != 40*time.Millisecond {
		t.Fatalf("expected default frame interval, got %s", cfg.FrameInterval)
	}
}

func TestLoad_Overrides(t *testing.T) {
	os.Setenv("MODEL_HOST", "triton.internal")
	os.Setenv("MODEL_PORT", "9001")
	os.Setenv("CHUNK_INTERVAL_MS", "100")
	defer func() {
		os.Unsetenv("MODEL_HOST")
		os.Unsetenv("MODEL_PORT")
		os.Unsetenv("CHUNK_INTERVAL_MS")
	}()
	cfg := Load()
	if cfg.ModelAddress() != "triton.internal:9001" {
		t.Fatalf("model address = %q", cfg.ModelAddress())
	}
	if cfg.ChunkInterval != 100*time.Millisecond {
		t.Fatalf("chunk interval = %s", cfg.ChunkInterval)
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	os.Setenv("FRAME_INTERVAL_MS", "not-a-number")
	os.Setenv("INPUT_BUFFER_CAP", "bogus")
	defer func() {
		os.Unsetenv("FRAME_INTERVAL_MS")
		os.Unsetenv("INPUT_BUFFER_CAP")
	}()
	cfg := Load()
	if cfg.FrameInterval != 40*time.Millisecond {
		t.Fatalf("frame interval = %s, want default", cfg.FrameInterval)
	}
	if cfg.InputBufferCap != 0 {
		t.Fatalf("input buffer cap = %d, want 0", cfg.InputBufferCap)
	}
}
