package indicator

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandLauncher hands URIs to an external dispatcher such as url-dispatcher.
type CommandLauncher struct {
	Command string
	Logger  *slog.Logger
}

// Launch runs Command with uri appended and does not wait for it to finish.
func (l CommandLauncher) Launch(uri string) error {
	fields := strings.Fields(l.Command)
	if len(fields) == 0 {
		return fmt.Errorf("no launcher configured for %s", uri)
	}

	cmd := exec.Command(fields[0], append(fields[1:], uri)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", fields[0], err)
	}

	go func() {
		if err := cmd.Wait(); err != nil && l.Logger != nil {
			l.Logger.Warn("launcher exited with error", "command", l.Command, "uri", uri, "error", err)
		}
	}()
	return nil
}
