package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/antra-tess/connectome-adapters/internal/config"
	"github.com/antra-tess/connectome-adapters/internal/storage"
)

// checkResult is one doctor line.
type checkResult struct {
	status string // PASS | WARN | FAIL
	name   string
	detail string
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the adapter installation",
		Long: `Verifies that the configuration, platform credentials, attachment
storage, attachment index and socket port are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Connectome Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			results := runChecks(cmd.Context(), cfgPath)
			var passed, warned, failed int
			for _, r := range results {
				fmt.Printf("  [%s] %-20s %s\n", r.status, r.name, r.detail)
				switch r.status {
				case "PASS":
					passed++
				case "WARN":
					warned++
				default:
					failed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the adapter.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned == 0 {
				fmt.Printf("\nAll checks passed! Start the adapter with 'connectome run'.\n")
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context, cfgPath string) []checkResult {
	var out []checkResult
	pass := func(name, detail string) { out = append(out, checkResult{"PASS", name, detail}) }
	warn := func(name, detail string) { out = append(out, checkResult{"WARN", name, detail}) }
	fail := func(name, detail string) { out = append(out, checkResult{"FAIL", name, detail}) }

	if _, err := os.Stat(cfgPath); err != nil {
		fail("Config file", fmt.Sprintf("not found at %s (run 'connectome init')", cfgPath))
		return out
	}
	pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fail("Config validation", err.Error())
		return out
	}
	pass("Config validation", "valid")
	pass("Adapter", fmt.Sprintf("%s (%s)", cfg.Adapter.Type, cfg.Adapter.AdapterID))

	storageDir := config.ExpandPath(cfg.Attachments.StorageDir)
	if err := checkWritableDir(storageDir); err != nil {
		fail("Attachment storage", err.Error())
	} else {
		pass("Attachment storage", storageDir)
	}

	indexPath := config.ExpandPath(cfg.Attachments.IndexPath)
	if n, err := checkIndex(ctx, indexPath); err != nil {
		fail("Attachment index", err.Error())
	} else {
		pass("Attachment index", fmt.Sprintf("%s (%d attachments)", indexPath, n))
	}

	if err := checkPort(cfg.Socket.Host, cfg.Socket.Port); err != nil {
		warn("Socket port", fmt.Sprintf("port %d may be in use: %v", cfg.Socket.Port, err))
	} else {
		pass("Socket port", fmt.Sprintf("%s:%d available", cfg.Socket.Host, cfg.Socket.Port))
	}

	if cfg.Logging.File != "" {
		if err := checkWritableDir(filepath.Dir(cfg.Logging.File)); err != nil {
			warn("Log file", err.Error())
		} else {
			pass("Log file", cfg.Logging.File)
		}
	}
	return out
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// checkIndex opens (and migrates) the attachment index and counts its rows.
func checkIndex(ctx context.Context, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("cannot create index directory: %w", err)
	}
	store, err := storage.NewSQLiteStore(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return 0, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	return store.Count(ctx)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

// dialHost maps wildcard listen addresses to loopback.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return host
}

type healthStatus struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func fetchHealth(ctx context.Context, url string) (*healthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	var h healthStatus
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}
