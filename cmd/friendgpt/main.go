// Command friendgpt trains a character-level model on a two-person chat
// transcript and then chats as the other participant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"friendgpt/internal/chat"
	"friendgpt/internal/checkpoint"
	"friendgpt/internal/chunk"
	"friendgpt/internal/config"
	"friendgpt/internal/history"
	"friendgpt/internal/model"
	"friendgpt/internal/server"
	"friendgpt/internal/trainer"
	"friendgpt/internal/transcript"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "train":
		err = runTrain(ctx, cfg, os.Args[2:])
	case "chat":
		err = runChat(ctx, cfg, os.Args[2:])
	case "serve":
		err = runServe(ctx, cfg, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("friendgpt - chat with a model of your friend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  friendgpt train -data FILE [options]")
	fmt.Println("  friendgpt chat [options]")
	fmt.Println("  friendgpt serve [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train    Train on a chat transcript, resuming from the latest checkpoint")
	fmt.Println("  chat     Talk to the trained model on the terminal")
	fmt.Println("  serve    Talk to the trained model over a WebSocket at /ws/chat")
}

func setupLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func runTrain(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cfg.TrainFlags(fs)
	_ = fs.Parse(args)
	setupLogger(cfg.LogLevel)
	if err := cfg.ValidateTrain(); err != nil {
		fs.PrintDefaults()
		return err
	}

	tr, err := transcript.Load(cfg.Transcript)
	if err != nil {
		return err
	}
	corpus, err := chunk.Build(tr.Messages, cfg.ChunkLength)
	if err != nil {
		return err
	}
	slog.Info("Corpus built",
		"messages", len(tr.Messages), "chunks", len(corpus), "self", tr.Self, "other", tr.Other)

	store, err := checkpoint.NewStore(cfg.SaveDir)
	if err != nil {
		return err
	}

	hist, err := openHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}
	if hist != nil {
		defer hist.Close()
	}

	mcfg := model.DefaultConfig(0)
	mcfg.Units = cfg.Units
	mcfg.Layers = cfg.Layers
	mcfg.LearningRate = cfg.LearnRate

	opts := trainer.Options{
		MaxVocab: cfg.MaxVocab,
		Model:    mcfg,
		Manifest: checkpoint.Manifest{
			ChunkLen:   cfg.ChunkLength,
			Transcript: cfg.Transcript,
		},
	}
	if hist != nil {
		opts.History = hist
	}
	t := trainer.New(store, opts)

	ok, err := store.CanLoad()
	if err != nil {
		return err
	}
	if ok {
		r, err := store.Restore()
		if err != nil {
			return err
		}
		if r.Manifest.ChunkLen != cfg.ChunkLength {
			slog.Warn("Chunk length differs from the restored run",
				"restored", r.Manifest.ChunkLen, "configured", cfg.ChunkLength)
		}
		t.Resume(r.Model, r.Vocab, r.Step)
		slog.Info("Resuming from checkpoint", "step", r.Step, "vocab_size", r.Vocab.Size())
	}

	return t.Fit(ctx, corpus, cfg.Epochs, cfg.BatchSize)
}

// restore loads the newest checkpoint for chatting.
func restore(cfg *config.Config) (*checkpoint.Restored, error) {
	store, err := checkpoint.NewStore(cfg.SaveDir)
	if err != nil {
		return nil, err
	}
	ok, err := store.CanLoad()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w in %s, run train first", checkpoint.ErrNoCheckpoint, cfg.SaveDir)
	}
	r, err := store.Restore()
	if err != nil {
		return nil, err
	}
	slog.Info("Model restored", "step", r.Step, "vocab_size", r.Vocab.Size(), "units", r.Manifest.Model.Units)
	return r, nil
}

func runChat(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfg.ChatFlags(fs)
	_ = fs.Parse(args)
	setupLogger(cfg.LogLevel)
	if err := cfg.ValidateChat(); err != nil {
		return err
	}

	r, err := restore(cfg)
	if err != nil {
		return err
	}
	hist, err := openHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}

	opts := chat.Options{
		MyName:      cfg.MyName,
		FriendName:  cfg.FriendName,
		Temperature: cfg.Temperature,
	}
	if cfg.Seed != 0 {
		opts.Rand = rand.New(rand.NewSource(cfg.Seed))
	}
	if hist != nil {
		defer hist.Close()
		opts.Turns = hist.NewSession()
	}

	engine := chat.NewEngine(r.Model, r.Vocab, opts)
	return engine.Run(ctx, os.Stdin, os.Stdout)
}

func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg.ChatFlags(fs)
	_ = fs.Parse(args)
	setupLogger(cfg.LogLevel)
	if err := cfg.ValidateChat(); err != nil {
		return err
	}

	r, err := restore(cfg)
	if err != nil {
		return err
	}
	hist, err := openHistory(cfg.HistoryDB)
	if err != nil {
		return err
	}

	opts := server.Options{
		MyName:      cfg.MyName,
		FriendName:  cfg.FriendName,
		Temperature: cfg.Temperature,
		Seed:        cfg.Seed,
	}
	if hist != nil {
		defer hist.Close()
		opts.Sessions = func() chat.TurnLogger { return hist.NewSession() }
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(r.Model, r.Vocab, opts).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}

// openHistory opens the SQLite history, or returns nil when path is empty.
func openHistory(path string) (*history.Store, error) {
	if path == "" {
		return nil, nil
	}
	return history.Open(path)
}
