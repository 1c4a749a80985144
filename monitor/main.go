// Command oamwatch monitors visa application codes against the upstream
// status page, persists per-code state, and notifies owners on changes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oamwatch/oamwatch/monitor/config"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitRuntime = 2
)

var (
	flagEnv  string
	flagOnce bool

	flagInstall   bool
	flagUninstall bool
	flagStart     bool
	flagStop      bool
	flagReload    bool
	flagRestart   bool
	flagStatus    bool
)

func main() {
	root := &cobra.Command{
		Use:           "oamwatch",
		Short:         "visa application status monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "run the monitoring engine (or manage its service unit)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if action, ok := serviceAction(); ok {
				return runService(action)
			}
			return runMonitor(flagEnv, flagOnce)
		},
	}
	monitorCmd.Flags().StringVar(&flagEnv, "env", ".env", "path to the configuration file")
	monitorCmd.Flags().BoolVar(&flagOnce, "once", false, "check every code once and exit")
	monitorCmd.Flags().BoolVar(&flagInstall, "install", false, "install the service unit")
	monitorCmd.Flags().BoolVar(&flagUninstall, "uninstall", false, "remove the service unit")
	monitorCmd.Flags().BoolVar(&flagStart, "start", false, "start the service")
	monitorCmd.Flags().BoolVar(&flagStop, "stop", false, "stop the service")
	monitorCmd.Flags().BoolVar(&flagReload, "reload", false, "restart the service to pick up a new binary")
	monitorCmd.Flags().BoolVar(&flagRestart, "restart", false, "restart the service")
	monitorCmd.Flags().BoolVar(&flagStatus, "status", false, "show service status")
	root.AddCommand(monitorCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "oamwatch: %v\n", err)
		if errors.Is(err, config.ErrDuplicateCode) || isUsageError(err) {
			os.Exit(exitUsage)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

// usageError marks configuration and flag problems so main can map them to
// exit code 1.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func isUsageError(err error) bool {
	var u usageError
	return errors.As(err, &u)
}

func serviceAction() (string, bool) {
	switch {
	case flagInstall:
		return "install", true
	case flagUninstall:
		return "uninstall", true
	case flagStart:
		return "start", true
	case flagStop:
		return "stop", true
	case flagReload:
		return "reload", true
	case flagRestart:
		return "restart", true
	case flagStatus:
		return "status", true
	}
	return "", false
}
