// Command captureagent is the entrypoint that wires the configuration,
// device enumeration context, transport, and session layers together,
// generalizing the teacher's cmd/assistant goroutine-plus-signal-channel
// shutdown shape (see internal/audio, internal/llm wiring in the original
// cmd/assistant/main.go) to this spec's components.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/soundlab/captureagent/internal/config"
	"github.com/soundlab/captureagent/internal/logging"
	"github.com/soundlab/captureagent/internal/session"
	"github.com/soundlab/captureagent/internal/transport"
)

// version is the value reported by hello_ack/version (spec.md §6);
// overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.For("main").Fatal("exiting", "err", err)
	}
}

func run() error {
	agentCfg, err := config.Parse(version)
	if err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}

	if agentCfg.Verbose {
		logging.SetLevel(log.DebugLevel)
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("initialize audio context: %w", err)
	}
	defer func() {
		audioCtx.Uninit()
		audioCtx.Free()
	}()

	deps := session.Deps{
		Version:      version,
		Lock:         session.NewCaptureLock(),
		AudioContext: audioCtx,
	}

	srv := transport.New(transport.Config{
		ListenAddr:     agentCfg.ListenAddr,
		TrustedOrigins: agentCfg.TrustedOrigins,
		CertFile:       agentCfg.CertFile,
		KeyFile:        agentCfg.KeyFile,
	}, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.For("main").Info("shutdown signal received")
		cancel()
	}()

	logging.For("main").Info("listening", "addr", agentCfg.ListenAddr)
	return srv.Serve(ctx)
}
