package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/hackcert/hackcert-node/issuer/config"
	"github.com/hackcert/hackcert-node/issuer/constant"
	"github.com/hackcert/hackcert-node/issuer/core"
	"github.com/hackcert/hackcert-node/issuer/logger"
)

// Set through -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

func InitRootCmd(rootCmd *cobra.Command) {
	rootCmd.AddCommand(
		initCmd(),
		startCmd(),
		versionCmd(),
		registryCmd(),
		attemptsCmd(),
	)
}

func homeDir(cmd *cobra.Command) string {
	home, err := cmd.Flags().GetString(flagHome)
	if err != nil || home == "" {
		return constant.DefaultNodeHome
	}
	return home
}

// openNode loads the node config and builds every component without starting them.
func openNode(cmd *cobra.Command) (*core.Node, error) {
	cfg, err := config.Load(homeDir(cmd))
	if err != nil {
		return nil, err
	}
	log := logger.Init(cfg)
	return core.NewNode(&cfg, log)
}

const (
	outputFormatJSON = "json"
	outputFormatYAML = "yaml"
)

// printOutput writes v to w in the requested format.
func printOutput(w io.Writer, v interface{}, format string) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func initCmd() *cobra.Command {
	var (
		rpcURLs  []string
		chainID  int64
		contract string
		version  string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config to <home>/config/hcertd_config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := homeDir(cmd)
			path := filepath.Join(home, constant.ConfigSubdir, constant.ConfigFileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			cfg, err := config.LoadDefaultConfig()
			if err != nil {
				return err
			}
			cfg.NodeHome = home
			if len(rpcURLs) > 0 {
				cfg.LedgerRPCURLs = rpcURLs
			}
			if chainID != 0 {
				cfg.LedgerChainID = chainID
			}
			if contract != "" {
				cfg.ContractAddress = contract
			}
			if version != "" {
				cfg.LedgerVersion = config.LedgerVersion(version)
			}
			if err := config.Save(cfg, home); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&rpcURLs, "rpc-url", nil, "ledger JSON-RPC endpoint (repeatable)")
	cmd.Flags().Int64Var(&chainID, "chain-id", 0, "ledger chain id")
	cmd.Flags().StringVar(&contract, "contract", "", "certificate contract address")
	cmd.Flags().StringVar(&version, "ledger-version", "", "contract calldata version (v1 or v2)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the issuance node",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return node.Start(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print hcertd version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Name:       %s\n", "hcertd")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", Commit)
		},
	}
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Ledger event registry commands",
	}
	cmd.AddCommand(registryReconcileCmd())
	return cmd
}

func registryReconcileCmd() *cobra.Command {
	var (
		eventID      uint64
		outputFormat string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Register missing events on the ledger and report conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = node.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if eventID != 0 {
				result, err := node.Registry.ReconcileEvent(ctx, eventID)
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), result, outputFormat)
			}
			summary, err := node.Registry.ReconcileAll(ctx)
			if err != nil {
				return err
			}
			if err := printOutput(cmd.OutOrStdout(), summary, outputFormat); err != nil {
				return err
			}
			if len(summary.Failed) > 0 {
				return fmt.Errorf("%d event(s) could not be reconciled", len(summary.Failed))
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&eventID, "event", 0, "reconcile only this event id")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", outputFormatJSON, "Output format (json|yaml)")
	return cmd
}

func attemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Bulk operation attempt commands",
	}
	cmd.AddCommand(attemptsSweepCmd())
	return cmd
}

func attemptsSweepCmd() *cobra.Command {
	var outputFormat string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-poll unconfirmed bulk attempts once",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := openNode(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = node.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			result, err := node.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), result, outputFormat)
		},
	}
	cmd.Flags().StringVarP(&outputFormat, "output", "o", outputFormatJSON, "Output format (json|yaml)")
	return cmd
}
