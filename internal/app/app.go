// Package app wires configuration, logging, the local cache and the
// engine together for the demo terminal client.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"

	"mechlink/chatcore/internal/cache"
	"mechlink/chatcore/internal/config"
	"mechlink/chatcore/internal/database"
	"mechlink/chatcore/internal/engine"
	"mechlink/chatcore/internal/interfaces"
	"mechlink/chatcore/internal/model"
	"mechlink/chatcore/internal/rest"
)

// Run starts an interactive copilot conversation against the configured
// backend and returns the process exit code.
func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this
		// critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)

	var historyCache *cache.Store
	if cfg.CachePath != "" {
		db, err := database.InitDB(cfg.CachePath)
		if err != nil {
			slog.Warn("Continuing without local history cache", "error", err)
		} else {
			defer func() {
				if err := db.Close(); err != nil {
					slog.Error("Failed to close cache database", "error", err)
				}
			}()
			historyCache = cache.NewStore(db)
		}
	}

	eng := engine.New(engine.Options{
		Kind:          model.KindCopilot,
		ParticipantID: "demo-user",
		AuthToken:     os.Getenv("CHAT_AUTH_TOKEN"),
		Config:        cfg,
		API:           rest.NewClient(cfg.APIBaseURL),
		Cache:         historyCache,
	})

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		slog.Error("Failed to start conversation", "error", err)
		return 1
	}
	defer eng.Close()

	slog.Info("Conversation ready", "conversation_id", eng.Conversation().ID, "state", eng.ConnState())
	go watchStates(eng)

	return repl(ctx, eng)
}

// repl reads lines from stdin, sends them, and renders the timeline
// after each turn. "/older" pages history, "/quit" exits.
func repl(ctx context.Context, eng interfaces.ConversationEngine) int {
	scanner := bufio.NewScanner(os.Stdin)
	render(eng.Snapshot())
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return 0
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return 0
		case line == "/older":
			if err := eng.LoadOlder(ctx); err != nil {
				color.Red("could not load older messages: %v", err)
			}
		default:
			if _, err := eng.Send(ctx, line, nil); err != nil {
				color.Red("send rejected: %v", err)
				continue
			}
		}
		render(eng.Snapshot())
	}
}

func render(msgs []model.Message) {
	for _, m := range msgs {
		line := fmt.Sprintf("[%s] %s", m.CreatedAt.Format("15:04:05"), m.Text)
		switch m.Origin {
		case model.OriginLocalUser:
			if m.Status == model.StatusFailed {
				color.Red("you (failed): %s", line)
			} else {
				color.Cyan("you: %s", line)
			}
		case model.OriginRemoteAssistant:
			color.Green("assistant: %s", line)
		case model.OriginSystem:
			color.Yellow("-- %s", m.Text)
		default:
			color.White("%s: %s", m.SenderID, line)
		}
	}
}

func watchStates(eng interfaces.ConversationEngine) {
	for s := range eng.States() {
		slog.Info("Connection state changed", "state", s)
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
