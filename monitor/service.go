package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	serviceName = "oamwatch"
	unitPath    = "/etc/systemd/system/" + serviceName + ".service"
)

const unitTemplate = `[Unit]
Description=oamwatch visa application status monitor
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s monitor --env %s
WorkingDirectory=%s
Restart=on-failure
RestartSec=10

[Install]
WantedBy=multi-user.target
`

// runService performs one service-manager action. All actions shell out to
// systemctl; install additionally writes the unit file.
func runService(action string) error {
	switch action {
	case "install":
		return installUnit()
	case "uninstall":
		_ = systemctl("stop", serviceName)
		_ = systemctl("disable", serviceName)
		if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove unit: %w", err)
		}
		return systemctl("daemon-reload")
	case "start", "stop", "restart", "status":
		return systemctl(action, serviceName)
	case "reload":
		// The engine reloads config by itself; this restarts to pick up a
		// replaced binary.
		return systemctl("restart", serviceName)
	default:
		return usageError{fmt.Errorf("unknown service action %q", action)}
	}
}

func installUnit() error {
	bin, err := os.Executable()
	if err != nil {
		return err
	}
	bin, err = filepath.Abs(bin)
	if err != nil {
		return err
	}
	envPath, err := filepath.Abs(flagEnv)
	if err != nil {
		return err
	}
	workDir := filepath.Dir(envPath)

	unit := fmt.Sprintf(unitTemplate, bin, envPath, workDir)
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write unit (are you root?): %w", err)
	}
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", serviceName)
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %v: %w", args, err)
	}
	return nil
}
