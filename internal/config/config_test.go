package config

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChunkLength != 3 || cfg.BatchSize != 128 || cfg.Temperature != 0 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", cfg.LogLevel)
	}
}

func TestLoadFromDotEnvAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	body := "FRIENDGPT_CHUNK_LENGTH=5\nFRIENDGPT_TEMPERATURE=0.7\nFRIENDGPT_LOG_LEVEL=debug\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		for _, k := range []string{"FRIENDGPT_CHUNK_LENGTH", "FRIENDGPT_TEMPERATURE", "FRIENDGPT_LOG_LEVEL"} {
			os.Unsetenv(k)
		}
	})
	t.Setenv("FRIENDGPT_BATCH_SIZE", "32")
	t.Setenv("FRIENDGPT_EPOCHS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ChunkLength != 5 || cfg.Temperature != 0.7 || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf(".env values not applied: %+v", cfg)
	}
	if cfg.BatchSize != 32 {
		t.Fatalf("expected batch size 32, got %d", cfg.BatchSize)
	}
	if cfg.Epochs != 9999 {
		t.Fatalf("invalid number should fall back, got %d", cfg.Epochs)
	}
}

func TestFlagsOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	cfg.TrainFlags(fs)
	if err := fs.Parse([]string{"-data", "chat.json", "-chunk", "4", "-batch", "8"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Transcript != "chat.json" || cfg.ChunkLength != 4 || cfg.BatchSize != 8 {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if err := cfg.ValidateTrain(); err != nil {
		t.Fatalf("ValidateTrain failed: %v", err)
	}

	cfg.ChunkLength = 1
	if err := cfg.ValidateTrain(); err == nil {
		t.Fatal("expected chunk length validation error")
	}
}

func TestValidateChat(t *testing.T) {
	cfg := &Config{SaveDir: "save", Temperature: -1}
	if err := cfg.ValidateChat(); err == nil {
		t.Fatal("expected negative temperature to be rejected")
	}
}
