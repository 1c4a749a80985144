package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oamwatch/oamwatch/monitor/adapter"
	"github.com/oamwatch/oamwatch/monitor/config"
	"github.com/oamwatch/oamwatch/monitor/store"
)

// sweepInterval paces the user-management expiry sweeper.
const sweepInterval = time.Minute

// probeBinary is the external headless-browser driver. It receives one code
// per invocation and prints the observed status label on the first stdout
// line, optionally followed by a free-form detail line.
const probeBinary = "oamwatch-probe"

// statusLabels maps the driver's output vocabulary onto stored statuses.
var statusLabels = map[string]store.Status{
	"NOT_FOUND":   store.StatusNotFound,
	"PROCEEDINGS": store.StatusProceedings,
	"GRANTED":     store.StatusGranted,
	"REJECTED":    store.StatusRejected,
	"UNKNOWN":     store.StatusUnknown,
}

// browserProbe adapts the external driver binary to the adapter contract.
// Driver failures surface as errors and degrade to query_failed results in
// the pool.
func browserProbe(cfg *config.Config) adapter.ProbeFunc {
	args := []string{}
	if cfg.Headless {
		args = append(args, "--headless")
	}
	return func(ctx context.Context, code string) (store.Status, string, error) {
		cmd := exec.CommandContext(ctx, probeBinary, append(args, code)...)
		var out, errBuf bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &errBuf

		if err := cmd.Run(); err != nil {
			detail := strings.TrimSpace(errBuf.String())
			if detail != "" {
				return "", "", fmt.Errorf("probe %s: %w: %s", code, err, detail)
			}
			return "", "", fmt.Errorf("probe %s: %w", code, err)
		}

		sc := bufio.NewScanner(&out)
		if !sc.Scan() {
			return "", "", fmt.Errorf("probe %s: empty output", code)
		}
		label := strings.ToUpper(strings.TrimSpace(sc.Text()))
		detail := ""
		if sc.Scan() {
			detail = strings.TrimSpace(sc.Text())
		}

		status, ok := statusLabels[label]
		if !ok {
			return store.StatusUnknown, fmt.Sprintf("unrecognised label %q", label), nil
		}
		return status, detail, nil
	}
}
