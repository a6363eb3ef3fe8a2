package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/antra-tess/connectome-adapters/internal/config"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "connectome",
		Short:   "Connectome: chat platform adapters for LLM clients",
		Long:    "Connectome connects one chat platform (Telegram, Discord, Slack, Zulip, a webhook or the shell)\nto socket clients, tracking conversation state and streaming normalized events.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (.json, .yaml or .toml; default: ~/.connectome/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(backupCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	var adapterType string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create storage directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if adapterType != "" {
				cfg.Adapter.Type = adapterType
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			storage := config.ExpandPath(cfg.Attachments.StorageDir)
			if err := os.MkdirAll(storage, 0o755); err != nil {
				return fmt.Errorf("create attachment storage: %w", err)
			}
			logger.Info("initialized", "config", cfgPath, "adapter", cfg.Adapter.Type, "storage_dir", storage)
			return nil
		},
	}
	cmd.Flags().StringVar(&adapterType, "adapter", "", "adapter type: telegram, discord, slack, zulip, webhook or shell")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and whether the adapter is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true, "adapter", cfg.Adapter.Type, "adapter_id", cfg.Adapter.AdapterID)

			addr := fmt.Sprintf("http://%s:%d/healthz", dialHost(cfg.Socket.Host), cfg.Socket.Port)
			health, err := fetchHealth(cmd.Context(), addr)
			if err != nil {
				logger.Info("socket server", "addr", addr, "running", false)
				return nil
			}
			logger.Info("socket server", "addr", addr, "running", true, "clients", health.Clients)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. adapter.type)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. socket.port 9000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List all config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if flat {
				paths := config.ListPaths(config.Sanitize(cfg))
				keys := slices.Sorted(maps.Keys(paths))
				for _, k := range keys {
					fmt.Printf("%s = %v\n", k, paths[k])
				}
				return nil
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	list.Flags().BoolVar(&flat, "flat", false, "print one dotted path per line")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
