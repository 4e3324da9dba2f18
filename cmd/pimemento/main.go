// Package main is the entry point for the pimemento memory agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"

	"github.com/JrmHsr/pimemento/internal/config"
	"github.com/JrmHsr/pimemento/internal/embedding"
	"github.com/JrmHsr/pimemento/internal/memory"
	"github.com/JrmHsr/pimemento/internal/tools"
)

const systemPrompt = `You are a memory-augmented assistant. You have five tools for
persistent memory shared across sessions: save_memory, get_memory, delete_memory,
memory_status and search_memory.

Guidelines:
- At the start of a conversation, check memory_status and get_memory for relevant context.
- Save durable facts, decisions, exclusions, anomalies and insights as they come up.
- Prefer 'key=value | key=value' content so later saves merge instead of duplicating.
- When stored values conflict, surface the conflict to the user instead of guessing.`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	llmAgent, cleanup, err := initializeAgent(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize agent", "err", err)
	}
	defer cleanup()

	launcherCfg := &launcher.Config{
		AgentLoader: agent.NewSingleLoader(llmAgent),
	}
	l := full.NewLauncher()
	if err := l.Execute(ctx, launcherCfg, os.Args[1:]); err != nil {
		log.Fatal("failed to run agent", "err", err, "usage", l.CommandLineSyntax())
	}
}

// initializeAgent wires the store, embedder, service and tools into an agent.
func initializeAgent(ctx context.Context, cfg config.Config) (agent.Agent, func(), error) {
	if cfg.GoogleAPIKey == "" {
		return nil, nil, fmt.Errorf("GOOGLE_API_KEY environment variable is required")
	}

	store, err := memory.NewStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	embedder, err := embedding.New(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	var svcEmbedder memory.Embedder
	if embedder != nil {
		svcEmbedder = embedder
	}
	service := memory.NewService(store, svcEmbedder, cfg)

	agentTools, err := tools.BuildTools(tools.ToolsConfig{Service: service})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to build tools: %w", err)
	}

	llmModel, err := gemini.NewModel(ctx, "gemini-2.0-flash", &genai.ClientConfig{
		APIKey:  cfg.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to create LLM model: %w", err)
	}

	llmAgent, err := llmagent.New(llmagent.Config{
		Name:        "pimemento",
		Description: "An assistant with persistent, shared, multi-tenant memory",
		Model:       llmModel,
		Instruction: systemPrompt,
		Tools:       agentTools,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to create agent: %w", err)
	}

	log.Info("agent initialized", "backend", cfg.Backend, "embeddings", cfg.EmbeddingProvider)
	return llmAgent, func() { store.Close() }, nil
}
