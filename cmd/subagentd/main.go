// Command subagentd is a minimal host process that wires the subagents
// engine to stub collaborators and runs it until interrupted. It exists for
// local smoke-testing of the engine in isolation — real hosts embed
// package subagents directly and supply their own Gateway/EventBus/Announcer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fieldstone-labs/subagent-engine/internal/agent/subagents"
	"github.com/fieldstone-labs/subagent-engine/internal/logging"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("received signal: %v, shutting down\n", sig)
		cancel()
	}()

	cfg, err := loadConfig()
	if err != nil {
		logging.Errorf("subagentd: config load failed: %v", err)
		os.Exit(1)
	}

	engine := subagents.New(cfg, stubGateway{}, stubEventBus{}, stubAnnouncer{})
	if err := engine.InitRegistry(ctx); err != nil {
		logging.Errorf("subagentd: restore failed: %v", err)
	}

	logging.Infof("subagentd: running against state dir %s", cfg.StateDir)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	engine.Shutdown(shutdownCtx)
}

func loadConfig() (subagents.EngineConfig, error) {
	var yamlDoc []byte
	if path := os.Getenv("SUBAGENTS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return subagents.EngineConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
		yamlDoc = []byte(os.ExpandEnv(string(data)))
	}

	cfg, err := subagents.LoadEngineConfig(yamlDoc)
	if err != nil {
		return subagents.EngineConfig{}, fmt.Errorf("parse config: %w", err)
	}

	stateDir, err := subagents.DefaultStateDir()
	if err != nil {
		return subagents.EngineConfig{}, fmt.Errorf("resolve state dir: %w", err)
	}
	cfg.StateDir = filepath.Clean(stateDir)
	return cfg, nil
}

// stubGateway is a no-op Gateway used only so this binary links and runs
// standalone. A real host wires its own agent-process gateway.
type stubGateway struct{}

func (stubGateway) Start(ctx context.Context, childSessionKey, prompt, runID string) error {
	logging.Infof("subagentd: stub gateway start runID=%s child=%s", runID, childSessionKey)
	return nil
}

func (stubGateway) Query(ctx context.Context, childSessionKey, prompt string) (string, error) {
	return "", fmt.Errorf("stubGateway: Query not implemented")
}

func (stubGateway) Wait(ctx context.Context, runID string, timeout time.Duration) (subagents.WaitResult, error) {
	<-ctx.Done()
	return subagents.WaitResult{}, ctx.Err()
}

func (stubGateway) DeleteSession(ctx context.Context, childSessionKey string, deleteTranscript bool) error {
	return nil
}

type stubEventBus struct{}

func (stubEventBus) Subscribe(runID string, handler func(subagents.LifecycleEvent)) func() {
	return func() {}
}

type stubAnnouncer struct{}

func (stubAnnouncer) Announce(ctx context.Context, payload subagents.AnnouncePayload) (bool, error) {
	logging.Infof("subagentd: stub announce run=%s status=%s", payload.RunID, payload.Outcome.Status)
	return true, nil
}
