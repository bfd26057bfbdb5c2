package web3

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BaseSepolia is the network payments settle on unless configured otherwise.
const BaseSepolia = "base-sepolia"

// NativeCurrency describes the gas token of a network.
type NativeCurrency struct {
	Name     string `yaml:"name" json:"name"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals int    `yaml:"decimals" json:"decimals"`
}

// Network holds what a wallet needs to switch to or add a chain and what the
// server needs to settle USDC on it.
type Network struct {
	Name        string         `yaml:"-" json:"name"`
	DisplayName string         `yaml:"display_name" json:"display_name"`
	ChainID     int64          `yaml:"chain_id" json:"chain_id"`
	RPCURL      string         `yaml:"rpc_url" json:"rpc_url"`
	ExplorerURL string         `yaml:"explorer_url" json:"explorer_url"`
	Currency    NativeCurrency `yaml:"currency" json:"native_currency"`
	USDCAddress string         `yaml:"usdc_address" json:"usdc_address"`
}

// ChainIDHex renders the chain id the way wallet_switchEthereumChain expects.
func (n Network) ChainIDHex() string {
	return "0x" + big.NewInt(n.ChainID).Text(16)
}

// Networks indexes network definitions by name.
type Networks map[string]Network

type networksFile struct {
	Networks map[string]Network `yaml:"networks"`
}

// DefaultNetworks returns the built-in Base Sepolia definition.
func DefaultNetworks() Networks {
	return Networks{
		BaseSepolia: {
			Name:        BaseSepolia,
			DisplayName: "Base Sepolia",
			ChainID:     84532,
			RPCURL:      "https://sepolia.base.org",
			ExplorerURL: "https://sepolia.basescan.org",
			Currency:    NativeCurrency{Name: "Ethereum", Symbol: "ETH", Decimals: 18},
			USDCAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		},
	}
}

// LoadNetworks merges the definitions in the YAML file at path over the
// built-in defaults. An empty path returns the defaults.
func LoadNetworks(path string) (Networks, error) {
	networks := DefaultNetworks()
	if strings.TrimSpace(path) == "" {
		return networks, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取链配置失败: %w", err)
	}
	var file networksFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析链配置失败: %w", err)
	}
	for name, def := range file.Networks {
		if def.ChainID <= 0 {
			return nil, fmt.Errorf("链 %s 的 chain_id 必须为正数", name)
		}
		def.Name = name
		if def.DisplayName == "" {
			def.DisplayName = name
		}
		if def.Currency.Symbol == "" {
			def.Currency = NativeCurrency{Name: "Ethereum", Symbol: "ETH", Decimals: 18}
		}
		networks[name] = def
	}
	return networks, nil
}

// Lookup returns the named network.
func (n Networks) Lookup(name string) (Network, bool) {
	def, ok := n[name]
	return def, ok
}

// Names returns the sorted network names.
func (n Networks) Names() []string {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
