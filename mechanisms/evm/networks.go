package evm

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

const (
	// DefaultDecimals is the number of decimals USDC uses on every chain.
	DefaultDecimals = 6
)

// AssetInfo describes an EIP-3009 token and its EIP-712 domain.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int32
	Symbol   string
}

// NetworkConfig is the chain ID and default asset of a network.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

var (
	ChainIDBase          = big.NewInt(8453)
	ChainIDBaseSepolia   = big.NewInt(84532)
	ChainIDAvalanche     = big.NewInt(43114)
	ChainIDAvalancheFuji = big.NewInt(43113)

	// NetworkConfigs is keyed by the v1 network name.
	NetworkConfigs = map[string]NetworkConfig{
		"base": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
				Symbol:   "USDC",
			},
		},
		"base-sepolia": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
				Symbol:   "USDC",
			},
		},
		"avalanche": {
			ChainID: ChainIDAvalanche,
			DefaultAsset: AssetInfo{
				Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
				Symbol:   "USDC",
			},
		},
		"avalanche-fuji": {
			ChainID: ChainIDAvalancheFuji,
			DefaultAsset: AssetInfo{
				Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
				Symbol:   "USDC",
			},
		},
	}
)

// GetNetworkConfig returns the configuration of a known network.
func GetNetworkConfig(network string) (NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unsupported network: %s", network)
	}
	return config, nil
}

// GetAssetInfo returns the asset registered for network. An empty asset
// selects the network default.
func GetAssetInfo(network, asset string) (AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return AssetInfo{}, err
	}
	if asset == "" || strings.EqualFold(asset, config.DefaultAsset.Address) {
		return config.DefaultAsset, nil
	}
	return AssetInfo{}, fmt.Errorf("unsupported asset %s on network %s", asset, network)
}

// SupportedNetworks lists the networks in NetworkConfigs.
func SupportedNetworks() []string {
	networks := make([]string, 0, len(NetworkConfigs))
	for name := range NetworkConfigs {
		networks = append(networks, name)
	}
	sort.Strings(networks)
	return networks
}
