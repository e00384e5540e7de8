// Package provider builds ledger contract bindings from chain definitions.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"TrustNet-Chain/internal/config"
	"TrustNet-Chain/internal/ledger"
	"TrustNet-Chain/internal/ledger/ethereum"
	"TrustNet-Chain/internal/ledger/memory"
)

// Chain is a bound contract together with its deployment metadata.
type Chain struct {
	Name          string
	ChainID       *big.Int
	Confirmations uint64
	Contract      ledger.Contract
	Description   string
}

// Options carries runtime inputs that chain definitions cannot express.
type Options struct {
	// Owner administers memory chains.
	Owner common.Address
}

// Registry manages the configured chains keyed by name.
type Registry struct {
	defaultChain string
	chains       map[string]*Chain
}

// NewRegistry loads chain definitions and binds every configured contract.
func NewRegistry(ctx context.Context, cfg config.LedgerConfig, opts Options) (*Registry, error) {
	defs, err := LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	if len(defs.Chains) == 0 {
		defs.Chains["default"] = ChainDefinition{
			Type:            cfg.Driver,
			RPCURL:          cfg.RPCURL,
			ChainID:         cfg.ChainID,
			ContractAddress: cfg.ContractAddress,
			Confirmations:   cfg.Confirmations,
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	r := &Registry{chains: make(map[string]*Chain, len(defs.Chains))}
	for name, def := range defs.Chains {
		chain, err := bind(ctx, name, def, cfg, opts)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.chains[name] = chain
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.chains[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

func bind(ctx context.Context, name string, def ChainDefinition, cfg config.LedgerConfig, opts Options) (*Chain, error) {
	chain := &Chain{Name: name, Confirmations: def.Confirmations, Description: def.Description}
	if chain.Confirmations == 0 {
		chain.Confirmations = cfg.Confirmations
	}
	if def.ChainID > 0 {
		chain.ChainID = big.NewInt(def.ChainID)
	}

	switch strings.ToLower(strings.TrimSpace(def.Type)) {
	case "", "evm":
		contract, err := ethereum.Dial(ctx, ethereum.Config{
			RPCURL:          def.RPCURL,
			ContractAddress: def.ContractAddress,
			ChainID:         chain.ChainID,
		})
		if err != nil {
			return nil, err
		}
		chain.ChainID = contract.ChainID()
		chain.Contract = contract
	case "memory":
		if chain.ChainID == nil {
			chain.ChainID = big.NewInt(1337)
		}
		chain.Contract = memory.NewLedger(opts.Owner, memory.WithChainID(chain.ChainID))
	default:
		return nil, fmt.Errorf("不支持的链类型 %s", def.Type)
	}
	return chain, nil
}

// Default returns the chain configured as default.
func (r *Registry) Default() (*Chain, error) {
	if r == nil {
		return nil, errors.New("未初始化的链注册表")
	}
	chain, ok := r.chains[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return chain, nil
}

// Chain returns the chain identified by name.
func (r *Registry) Chain(name string) (*Chain, bool) {
	if r == nil {
		return nil, false
	}
	chain, ok := r.chains[name]
	return chain, ok
}

// Close releases RPC connections held by the bound contracts.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, chain := range r.chains {
		if closer, ok := chain.Contract.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(r.chains, name)
	}
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
