// Package config provides application configuration.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Environment variables set
// the defaults; command-line flags override them.
type Config struct {
	SaveDir     string
	Transcript  string
	HistoryDB   string
	ChunkLength int
	Epochs      int
	BatchSize   int
	MaxVocab    int
	Units       int
	Layers      int
	LearnRate   float64
	Temperature float64
	MyName      string
	FriendName  string
	Seed        int64
	Addr        string
	LogLevel    slog.Level
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		SaveDir:     getEnv("FRIENDGPT_SAVE_DIR", "./save"),
		Transcript:  getEnv("FRIENDGPT_TRANSCRIPT", ""),
		HistoryDB:   getEnv("FRIENDGPT_HISTORY_DB", "./save/history.db"),
		ChunkLength: getEnvInt("FRIENDGPT_CHUNK_LENGTH", 3),
		Epochs:      getEnvInt("FRIENDGPT_EPOCHS", 9999),
		BatchSize:   getEnvInt("FRIENDGPT_BATCH_SIZE", 128),
		MaxVocab:    getEnvInt("FRIENDGPT_MAX_VOCAB", 200),
		Units:       getEnvInt("FRIENDGPT_UNITS", 128),
		Layers:      getEnvInt("FRIENDGPT_LAYERS", 1),
		LearnRate:   getEnvFloat("FRIENDGPT_LEARNING_RATE", 1e-4),
		Temperature: getEnvFloat("FRIENDGPT_TEMPERATURE", 0),
		MyName:      getEnv("FRIENDGPT_MY_NAME", "Me"),
		FriendName:  getEnv("FRIENDGPT_FRIEND_NAME", "Friend"),
		Seed:        int64(getEnvInt("FRIENDGPT_SEED", 0)),
		Addr:        getEnv("FRIENDGPT_ADDR", ":8080"),
		LogLevel:    getEnvLevel("FRIENDGPT_LOG_LEVEL", slog.LevelInfo),
	}
	return cfg, nil
}

// TrainFlags registers the flags of the train command.
func (c *Config) TrainFlags(fs *flag.FlagSet) {
	c.commonFlags(fs)
	fs.StringVar(&c.Transcript, "data", c.Transcript, "Path to the chat transcript JSON (required)")
	fs.IntVar(&c.ChunkLength, "chunk", c.ChunkLength, "Messages per training chunk")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "Number of epochs")
	fs.IntVar(&c.BatchSize, "batch", c.BatchSize, "Batch size")
	fs.IntVar(&c.MaxVocab, "vocab", c.MaxVocab, "Maximum vocabulary size")
	fs.IntVar(&c.Units, "units", c.Units, "LSTM units per layer")
	fs.IntVar(&c.Layers, "layers", c.Layers, "Number of LSTM layers")
	fs.Float64Var(&c.LearnRate, "lr", c.LearnRate, "Learning rate")
}

// ChatFlags registers the flags of the chat and serve commands.
func (c *Config) ChatFlags(fs *flag.FlagSet) {
	c.commonFlags(fs)
	fs.Float64Var(&c.Temperature, "temp", c.Temperature, "Sampling temperature (0 for greedy)")
	fs.StringVar(&c.MyName, "me", c.MyName, "Your display name")
	fs.StringVar(&c.FriendName, "friend", c.FriendName, "The model's display name")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed (0 for random)")
	fs.StringVar(&c.Addr, "addr", c.Addr, "Listen address for serve")
}

func (c *Config) commonFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.SaveDir, "save", c.SaveDir, "Directory for checkpoints and vocabulary")
	fs.StringVar(&c.HistoryDB, "history", c.HistoryDB, "SQLite history database (empty to disable)")
}

// ValidateTrain checks the settings the train command needs.
func (c *Config) ValidateTrain() error {
	if c.Transcript == "" {
		return errors.New("transcript path is required")
	}
	if c.SaveDir == "" {
		return errors.New("save directory cannot be empty")
	}
	if c.ChunkLength < 2 {
		return fmt.Errorf("chunk length must be >= 2, got %d", c.ChunkLength)
	}
	if c.BatchSize <= 0 || c.Epochs <= 0 {
		return fmt.Errorf("batch size and epochs must be > 0, got %d and %d", c.BatchSize, c.Epochs)
	}
	if c.Units <= 0 || c.Layers <= 0 {
		return fmt.Errorf("units and layers must be > 0, got %d and %d", c.Units, c.Layers)
	}
	return nil
}

// ValidateChat checks the settings the chat and serve commands need.
func (c *Config) ValidateChat() error {
	if c.SaveDir == "" {
		return errors.New("save directory cannot be empty")
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %v", c.Temperature)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return lvl
}
