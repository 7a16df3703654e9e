package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"github.com/taskhive-ai/taskhive-engine/internal/engine"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/chainio"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/config"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/oracle"
	"github.com/taskhive-ai/taskhive-engine/pkg/ipfs"
	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
)

func main() {
	app := &cli.App{
		Name:        "taskhive-engine",
		Usage:       "TaskHive orchestration engine",
		Description: "Watches the marketplace ledger, decomposes client jobs, verifies submitted proofs and settles payments.",
		Action:      run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalln("Application failed:", err)
	}
}

func run(*cli.Context) error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	logger, err := logging.NewZapLogger(logging.LoggerConfig{
		ProcessName:   logging.EngineProcess,
		IsDevelopment: config.IsDevMode(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting TaskHive engine",
		"marketplace", config.GetMarketplaceAddress().Hex(),
		"agent", config.GetAgentAddress().Hex(),
	)

	policy, err := config.LoadPolicy(config.GetPolicyPath())
	if err != nil {
		logger.Error("Failed to load policy", "path", config.GetPolicyPath(), "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ethclient.DialContext(ctx, config.GetEthRPCURL())
	if err != nil {
		logger.Error("Failed to connect to the Ethereum client", "error", err)
		return err
	}
	defer client.Close()

	sender, err := chainio.NewEOASender(ctx, client, config.GetAgentPrivateKey(), logger)
	if err != nil {
		logger.Error("Failed to initialize transaction sender", "error", err)
		return err
	}
	if sender.From() != config.GetAgentAddress() {
		return fmt.Errorf("AGENT_PRIVATE_KEY does not match AGENT_ADDRESS (key controls %s)", sender.From().Hex())
	}

	ledger, err := chainio.NewMarketplace(config.GetMarketplaceAddress(), client, sender, logger)
	if err != nil {
		logger.Error("Failed to initialize marketplace binding", "error", err)
		return err
	}

	eng, err := engine.New(ctx, engine.Options{
		Ledger: ledger,
		Policy: policy,
		DBPath: config.GetDBPath(),
		Oracle: oracle.Config{
			BaseURL:  config.GetOracleBaseURL(),
			APIKey:   config.GetOracleAPIKey(),
			Model:    config.GetOracleModel(),
			CallCost: config.GetOracleCallCost(),
		},
		IPFS: ipfs.Config{
			GatewayHost: config.GetIPFSGateway(),
			NodeAPIURL:  config.GetIPFSNodeAPI(),
		},
		PollInterval:       config.GetPollingInterval(),
		ExpirySpec:         config.GetExpirySweepSpec(),
		ReimburseSpec:      config.GetReimburseSweepSpec(),
		ReimburseThreshold: config.GetReimburseThreshold(),
		APIPort:            config.GetAPIPort(),
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize engine", "error", err)
		return err
	}

	if err := eng.Start(ctx); err != nil {
		logger.Error("Failed to start engine", "error", err)
		return err
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	eng.Shutdown()
	return nil
}
