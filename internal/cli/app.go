package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/keelwallet/keel/internal/adapter/eip155"
	"github.com/keelwallet/keel/internal/fileutil"
	"github.com/keelwallet/keel/internal/network"
	"github.com/keelwallet/keel/internal/rpc"
	"github.com/keelwallet/keel/internal/txengine"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// app is the fully wired engine stack behind every command.
type app struct {
	chains    *network.Registry
	rpc       *rpc.Engine
	engine    *txengine.Engine
	statePath string
}

// buildApp wires registry, RPC engine, adapters, and lifecycle engine
// from the loaded configuration and hydrates persisted transactions.
func buildApp(approver txengine.Approver, signer eip155.Signer) (*app, error) {
	chains := network.NewRegistry(network.RegistryConfig{
		DefaultCooldown: cfg.RPC.Cooldown(),
		Logger:          log,
	})
	for i := range cfg.Chains {
		if err := chains.RegisterChain(&cfg.Chains[i]); err != nil {
			return nil, err
		}
	}
	if cfg.ActiveChain != "" {
		ref, err := network.ParseRef(cfg.ActiveChain)
		if err != nil {
			return nil, err
		}
		if _, err := chains.SwitchChain(ref); err != nil {
			return nil, err
		}
	}

	rpcEngine := rpc.NewEngine(chains, rpc.EngineConfig{
		Retry: rpc.RetryConfig{
			MaxAttempts: cfg.RPC.MaxAttempts,
			BaseDelay:   cfg.RPC.BaseDelay(),
		},
		RequestTimeout: cfg.RPC.Timeout(),
		RateLimiter:    rpc.NewRateLimiter(cfg.RPC.RatePerSecond, cfg.RPC.Burst),
		Logger:         log,
	})

	adapters := txengine.NewAdapterRegistry()
	adapters.Register(network.NamespaceEVM, eip155.New(eip155.Config{
		Calls:  rpcEngine,
		Chains: chains,
		Signer: signer,
		Logger: log,
	}))

	engine := txengine.NewEngine(chains, adapters, txengine.EngineConfig{
		Approver: approver,
		Tracker: txengine.TrackerConfig{
			PollInterval: cfg.Tracker.PollInterval(),
			MaxWait:      cfg.Tracker.MaxWait(),
			Logger:       log,
		},
		Logger: log,
	})

	a := &app{
		chains:    chains,
		rpc:       rpcEngine,
		engine:    engine,
		statePath: filepath.Join(cfg.Home, "transactions.json"),
	}
	if err := a.hydrate(); err != nil {
		return nil, err
	}
	return a, nil
}

// close persists the transaction snapshot and tears the stack down.
func (a *app) close() {
	if err := a.persist(); err != nil {
		log.Warn("persisting transaction state failed", "error", err.Error())
	}
	a.engine.Close()
	a.rpc.Destroy()
}

// hydrate loads previously persisted transaction records.
func (a *app) hydrate() error {
	data, err := os.ReadFile(a.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var records []*txengine.Meta
	if err := json.Unmarshal(data, &records); err != nil {
		return keelerr.Wrap(err, "reading transaction state %s", a.statePath)
	}
	a.engine.Hydrate(records)
	return nil
}

// persist writes the engine snapshot next to the config file.
func (a *app) persist() error {
	data, err := json.MarshalIndent(a.engine.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(a.statePath, data, 0o600)
}

// promptApprover shows the draft on the terminal and asks for consent.
type promptApprover struct {
	assumeYes bool
}

func (p promptApprover) RequestApproval(_ context.Context, task txengine.ApprovalTask) error {
	fmt.Printf("Transaction %s on %s\n", task.ID, task.ChainRef)
	if task.Draft != nil {
		if task.Draft.Summary != "" {
			fmt.Printf("  %s\n", task.Draft.Summary)
		}
		for _, w := range task.Draft.Warnings {
			fmt.Printf("  warning: %s\n", w.Message)
		}
		for _, issue := range task.Draft.Issues {
			fmt.Printf("  issue[%s]: %s\n", issue.Code, issue.Message)
		}
		if task.Draft.Blocked() {
			return keelerr.WithDetails(keelerr.ErrUserRejected, map[string]string{
				"reason": "draft has blocking issues",
			})
		}
	}

	if p.assumeYes {
		return nil
	}

	fmt.Print("Approve? [y/N]: ")
	var answer string
	_, _ = fmt.Scanln(&answer)
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return keelerr.ErrUserRejected
	}
}

// fileKeySigner signs with a hex-encoded secp256k1 key read from disk.
// It exists for operating keel against test networks; production
// deployments plug in an external signer.
type fileKeySigner struct {
	path string
}

func (s fileKeySigner) SignTx(_ context.Context, _ string, chainID *big.Int, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, keelerr.Wrap(err, "reading key file")
	}
	key, err := crypto.HexToECDSA(strings.TrimSpace(strings.TrimPrefix(string(data), "0x")))
	if err != nil {
		return nil, keelerr.Wrap(err, "parsing key file")
	}
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), key)
}

// keyFileAccount derives the sender address from the key file so
// "--from" can be omitted.
func keyFileAccount(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", keelerr.Wrap(err, "reading key file")
	}
	key, err := crypto.HexToECDSA(strings.TrimSpace(strings.TrimPrefix(string(data), "0x")))
	if err != nil {
		return "", keelerr.Wrap(err, "parsing key file")
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
