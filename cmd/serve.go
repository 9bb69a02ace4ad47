package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentdesk/internal/agent"
	"github.com/nextlevelbuilder/agentdesk/internal/artifacts"
	"github.com/nextlevelbuilder/agentdesk/internal/blob"
	"github.com/nextlevelbuilder/agentdesk/internal/config"
	"github.com/nextlevelbuilder/agentdesk/internal/httpapi"
	"github.com/nextlevelbuilder/agentdesk/internal/locks"
	"github.com/nextlevelbuilder/agentdesk/internal/opendata"
	"github.com/nextlevelbuilder/agentdesk/internal/providers"
	"github.com/nextlevelbuilder/agentdesk/internal/sandbox"
	"github.com/nextlevelbuilder/agentdesk/internal/state"
	"github.com/nextlevelbuilder/agentdesk/internal/store"
	"github.com/nextlevelbuilder/agentdesk/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL environment variable is not set")
		os.Exit(1)
	}
	if cfg.OpenAIAPIKey == "" {
		slog.Error("OPENAI_API_KEY environment variable is not set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ckpt, err := state.OpenCheckpointer(cfg.CheckpointDB)
	if err != nil {
		slog.Error("checkpoint store failed", "error", err)
		os.Exit(1)
	}
	defer ckpt.Close()

	blobs, err := blob.New(cfg.BlobstoreDir)
	if err != nil {
		slog.Error("blob store failed", "error", err)
		os.Exit(1)
	}

	var tokens *artifacts.TokenService
	if cfg.ArtifactsSecret != "" {
		tokens = artifacts.NewTokenService(cfg.ArtifactsSecret, cfg.ArtifactsTokenTTL, cfg.PublicBaseURL)
	} else {
		slog.Warn("ARTIFACTS_SECRET not set; artifact download URLs disabled")
	}
	registry := artifacts.NewRegistry(blobs, db, tokens, cfg.MaxArtifactBytes())

	// The sandbox is optional: without Docker the agent still answers, it
	// just cannot execute code or load datasets.
	var mgr *sandbox.Manager
	heavyData := ""
	if cfg.DatasetAccess == config.DatasetAccessHybrid {
		heavyData = cfg.HybridLocalPath
	}
	mgr, err = sandbox.NewManager(sandbox.Config{
		Image:        cfg.SandboxImage,
		Storage:      cfg.SessionStorage,
		SessionsRoot: cfg.SessionsRoot,
		TmpfsSizeMB:  cfg.TmpfsSizeMB,
		Network:      cfg.SandboxNetwork,
		HeavyData:    heavyData,
	}, registry)
	if err != nil {
		slog.Warn("sandbox disabled: Docker not available", "error", err)
		mgr = nil
	} else {
		defer mgr.Close()
		slog.Info("sandbox enabled", "image", cfg.SandboxImage, "storage", cfg.SessionStorage)
	}

	provider := providers.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.DefaultModel)
	catalog := opendata.New(opendata.DefaultBaseURL)

	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.ListCatalog{})
	toolsReg.Register(tools.PreviewDataset{})
	toolsReg.Register(tools.DatasetDescription{})
	toolsReg.Register(tools.DatasetFields{})
	if mgr != nil {
		toolsReg.Register(tools.CodeSandbox{})
		toolsReg.Register(tools.SelectDataset{})
	}
	if cfg.SearchAPIKey != "" {
		toolsReg.Register(tools.WebSearch{Backend: tools.NewBraveSearcher(cfg.SearchAPIKey)})
	}

	runtime := agent.NewRuntime(provider, ckpt, toolsReg)

	titler := func(ctx context.Context, opening []*store.Message) (string, error) {
		return agent.GenerateTitle(ctx, provider, "gpt-4o-mini", openingMessages(opening))
	}

	server := httpapi.NewServer(cfg, httpapi.Deps{
		Store:            db,
		Checkpointer:     ckpt,
		Locks:            locks.NewTable(),
		Runner:           runtime,
		Titler:           titler,
		Tokens:           tokens,
		Sandbox:          mgr,
		Catalog:          catalog,
		ArtifactsHandler: artifacts.NewHandler(db, blobs, tokens),
	})

	if err := server.Start(ctx); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// openingMessages converts stored user and assistant rows into model
// messages for title generation. Tool rows are skipped.
func openingMessages(rows []*store.Message) []providers.Message {
	var out []providers.Message
	for _, m := range rows {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		text, _ := m.Content["text"].(string)
		if text == "" {
			continue
		}
		out = append(out, providers.Message{Role: m.Role, Content: text})
	}
	return out
}
