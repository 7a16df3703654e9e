package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/taskhive-ai/taskhive-engine/pkg/env"
)

type Config struct {
	devMode bool

	// Ledger RPC and contract
	ethRPCURL          string
	marketplaceAddress string
	agentAddress       string
	agentPrivateKey    string

	// Reasoning oracle
	oracleBaseURL  string
	oracleAPIKey   string
	oracleModel    string
	oracleCallCost *big.Int // flat cost recorded per oracle call, in wei

	// IPFS content resolution
	ipfsGateway string
	ipfsNodeAPI string

	// Local persistence
	dbPath string

	// Decision policy file (verification weights, thresholds, planner margins)
	policyPath string

	// Watcher and sweeps
	pollingInterval    time.Duration
	expirySweepSpec    string
	reimburseSweepSpec string
	reimburseThreshold *big.Int

	// Status API
	apiPort int
}

var cfg Config

func Init() error {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, relying on process environment")
	}
	cfg = Config{
		devMode:            env.GetEnvBool("DEV_MODE", false),
		ethRPCURL:          env.GetEnvString("ETH_RPC_URL", ""),
		marketplaceAddress: env.GetEnvString("MARKETPLACE_ADDRESS", ""),
		agentAddress:       env.GetEnvString("AGENT_ADDRESS", ""),
		agentPrivateKey:    env.GetEnvString("AGENT_PRIVATE_KEY", ""),
		oracleBaseURL:      env.GetEnvString("ORACLE_BASE_URL", ""),
		oracleAPIKey:       env.GetEnvString("ORACLE_API_KEY", ""),
		oracleModel:        env.GetEnvString("ORACLE_MODEL", "gpt-4o"),
		oracleCallCost:     env.GetEnvBigInt("ORACLE_CALL_COST_WEI", big.NewInt(20_000_000_000_000)),
		ipfsGateway:        env.GetEnvString("IPFS_GATEWAY", "ipfs.io"),
		ipfsNodeAPI:        env.GetEnvString("IPFS_NODE_API", ""),
		dbPath:             env.GetEnvString("ENGINE_DB_PATH", "data/engine.db"),
		policyPath:         env.GetEnvString("POLICY_PATH", "config/policy.yaml"),
		pollingInterval:    env.GetEnvDuration("POLLING_INTERVAL", 15*time.Second),
		expirySweepSpec:    env.GetEnvString("EXPIRY_SWEEP_SPEC", "@every 1m"),
		reimburseSweepSpec: env.GetEnvString("REIMBURSE_SWEEP_SPEC", "@every 10m"),
		reimburseThreshold: env.GetEnvBigInt("REIMBURSE_THRESHOLD_WEI", big.NewInt(5_000_000_000_000_000)),
		apiPort:            env.GetEnvInt("ENGINE_API_PORT", 9400),
	}
	return validate()
}

// validate enforces the startup preconditions. A bad value here is fatal:
// there is no runtime recovery from a missing RPC endpoint or contract
// address.
func validate() error {
	if cfg.ethRPCURL == "" {
		return fmt.Errorf("ETH_RPC_URL is required")
	}
	if !common.IsHexAddress(cfg.marketplaceAddress) {
		return fmt.Errorf("invalid MARKETPLACE_ADDRESS: %q", cfg.marketplaceAddress)
	}
	if !common.IsHexAddress(cfg.agentAddress) {
		return fmt.Errorf("invalid AGENT_ADDRESS: %q", cfg.agentAddress)
	}
	if cfg.agentPrivateKey == "" {
		return fmt.Errorf("AGENT_PRIVATE_KEY is required")
	}
	if cfg.oracleBaseURL == "" {
		return fmt.Errorf("ORACLE_BASE_URL is required")
	}
	if cfg.ipfsGateway == "" {
		return fmt.Errorf("IPFS_GATEWAY is required")
	}
	if cfg.pollingInterval <= 0 {
		return fmt.Errorf("POLLING_INTERVAL must be positive")
	}
	if cfg.reimburseThreshold.Sign() <= 0 {
		return fmt.Errorf("REIMBURSE_THRESHOLD_WEI must be positive")
	}
	return nil
}

func IsDevMode() bool {
	return cfg.devMode
}

func GetEthRPCURL() string {
	return cfg.ethRPCURL
}

func GetMarketplaceAddress() common.Address {
	return common.HexToAddress(cfg.marketplaceAddress)
}

func GetAgentAddress() common.Address {
	return common.HexToAddress(cfg.agentAddress)
}

func GetAgentPrivateKey() string {
	return cfg.agentPrivateKey
}

func GetOracleBaseURL() string {
	return cfg.oracleBaseURL
}

func GetOracleAPIKey() string {
	return cfg.oracleAPIKey
}

func GetOracleModel() string {
	return cfg.oracleModel
}

func GetOracleCallCost() *big.Int {
	return new(big.Int).Set(cfg.oracleCallCost)
}

func GetIPFSGateway() string {
	return cfg.ipfsGateway
}

func GetIPFSNodeAPI() string {
	return cfg.ipfsNodeAPI
}

func GetDBPath() string {
	return cfg.dbPath
}

func GetPolicyPath() string {
	return cfg.policyPath
}

func GetPollingInterval() time.Duration {
	return cfg.pollingInterval
}

func GetExpirySweepSpec() string {
	return cfg.expirySweepSpec
}

func GetReimburseSweepSpec() string {
	return cfg.reimburseSweepSpec
}

func GetReimburseThreshold() *big.Int {
	return new(big.Int).Set(cfg.reimburseThreshold)
}

func GetAPIPort() int {
	return cfg.apiPort
}
