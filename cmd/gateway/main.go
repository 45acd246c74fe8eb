// Command gateway starts a local inference gateway backend, loads a
// model, opens one session, and serves a tiny stdin/stdout REPL against
// it -- a minimal demonstration of the Public Gateway API.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/inference-gateway/internal/config"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
	"github.com/fairyhunter13/inference-gateway/internal/engine"
	"github.com/fairyhunter13/inference-gateway/internal/gateway"
	"github.com/fairyhunter13/inference-gateway/internal/observability"
)

func main() {
	bootCfg, err := config.LoadEnv()
	if err != nil {
		panic(err)
	}

	logger := observability.NewLogger(bootCfg)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.SetupTracing("gateway")
	if err != nil {
		logger.Warn("tracing setup failed, continuing without spans", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracing != nil {
			_ = shutdownTracing(context.Background())
		}
	}()

	var configDoc []byte
	if bootCfg.ConfigPath != "" {
		configDoc, err = os.ReadFile(bootCfg.ConfigPath)
		if err != nil {
			logger.Error("failed to read gateway config document", slog.Any("error", err))
			os.Exit(1)
		}
	}

	eng := engine.NewMockEngine()
	h, err := gateway.Init(eng, configDoc, logger)
	if err != nil {
		logger.Error("gateway init failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	modelPath := bootCfg.ModelPath
	if modelPath == "" {
		modelPath = "mock-model.gguf"
	}
	if err := gateway.LoadModel(ctx, h, modelPath, domain.DefaultModelParams()); err != nil {
		logger.Error("model load failed", slog.Any("error", err))
		os.Exit(1)
	}

	execCtx, err := gateway.OpenSession(ctx, h, "")
	if err != nil {
		logger.Error("open_session failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("session opened", slog.Int64("exec_ctx", int64(execCtx)))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		_ = gateway.CloseSession(h, execCtx)
		_ = gateway.Deinit(h)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(os.Stderr, "gateway ready; type a prompt and press enter (ctrl-d to exit)")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		out, err := gateway.RunInference(ctx, h, execCtx, []byte(line), nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(out)
	}
}
