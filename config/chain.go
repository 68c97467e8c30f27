package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

// ChainConfig carries everything the transaction pipeline needs to talk to the
// anchoring network. The pipeline itself is constructed explicitly in main()
// and injected into the ledgers; this is configuration only.
type ChainConfig struct {
	RPCURL          string
	ChainId         int
	RegistryAddress string
	AnchorKey       string
	ReceiptTimeout  time.Duration
	ProbeInterval   time.Duration
}

func GetChainConfig() ChainConfig {
	godotenv.Load()

	return ChainConfig{
		RPCURL:          os.Getenv("CHAIN_RPC_URL"),
		ChainId:         intFromEnv("CHAIN_ID", 100),
		RegistryAddress: os.Getenv("CHAIN_REGISTRY_ADDRESS"),
		AnchorKey:       os.Getenv("CHAIN_ANCHOR_KEY"),
		ReceiptTimeout:  time.Duration(intFromEnv("CHAIN_RECEIPT_TIMEOUT_SECONDS", 30)) * time.Second,
		ProbeInterval:   time.Duration(intFromEnv("CHAIN_PROBE_INTERVAL_SECONDS", 60)) * time.Second,
	}
}
