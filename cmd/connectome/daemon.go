package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antra-tess/connectome-adapters/internal/config"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the adapter as a background service (launchd/systemd)",
	}
	cmd.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	return cmd
}

// serviceUnit describes one adapter service. Each adapter_id gets its own
// unit so several platforms can run side by side.
type serviceUnit struct {
	Name    string // e.g. connectome-telegram
	Exec    string
	Config  string
	Log     string
	ErrLog  string
	Adapter string
}

func newServiceUnit(execPath, cfgPath string) (serviceUnit, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return serviceUnit{}, fmt.Errorf("load config: %w", err)
	}
	name := unitName(cfg.Adapter.AdapterID)
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	return serviceUnit{
		Name:    name,
		Exec:    execPath,
		Config:  cfgPath,
		Log:     filepath.Join(logDir, name+".log"),
		ErrLog:  filepath.Join(logDir, name+"-error.log"),
		Adapter: cfg.Adapter.Type,
	}, nil
}

var unsafeUnitChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func unitName(adapterID string) string {
	id := strings.Trim(unsafeUnitChars.ReplaceAllString(adapterID, "-"), "-")
	if id == "" || id == "connectome" {
		return "connectome"
	}
	return "connectome-" + id
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the adapter as a system daemon",
		Long:  "Generates and installs a service file that runs 'connectome run' on login.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			unit, err := newServiceUnit(execPath, resolveConfigPath())
			if err != nil {
				return err
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(unit)
			case "linux":
				return installSystemd(unit)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the adapter's system daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := newServiceUnit("", resolveConfigPath())
			if err != nil {
				return err
			}
			path, err := unitPath(unit)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

func unitPath(u serviceUnit) (string, error) {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel(u)+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", u.Name+".service"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

func launchdLabel(u serviceUnit) string {
	return "com." + strings.ReplaceAll(u.Name, "-", ".")
}

func installLaunchd(u serviceUnit) error {
	path, err := unitPath(u)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(u.Log), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if err := writeUnit(path, renderLaunchd(u)); err != nil {
		return err
	}
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func installSystemd(u serviceUnit) error {
	path, err := unitPath(u)
	if err != nil {
		return err
	}
	if err := writeUnit(path, renderSystemd(u)); err != nil {
		return err
	}
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start %s\n", u.Name)
	fmt.Printf("To enable: systemctl --user enable %s\n", u.Name)
	fmt.Printf("To stop:   systemctl --user stop %s\n", u.Name)
	return nil
}

func writeUnit(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func renderLaunchd(u serviceUnit) string {
	return strings.NewReplacer(
		"{{LABEL}}", launchdLabel(u),
		"{{EXEC}}", u.Exec,
		"{{CONFIG}}", u.Config,
		"{{LOG}}", u.Log,
		"{{ERR_LOG}}", u.ErrLog,
	).Replace(launchdTemplate)
}

func renderSystemd(u serviceUnit) string {
	return strings.NewReplacer(
		"{{ADAPTER}}", u.Adapter,
		"{{EXEC}}", u.Exec,
		"{{CONFIG}}", u.Config,
	).Replace(systemdTemplate)
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>run</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=Connectome {{ADAPTER}} adapter
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} run --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
