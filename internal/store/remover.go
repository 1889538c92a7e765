package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Remover deletes a set of files. Implementations attempt every path and
// report an error if any of them could not be removed.
type Remover interface {
	Remove(paths ...string) error
}

// DirectRemover unlinks files with os.Remove.
type DirectRemover struct{}

// Remove implements Remover.
func (DirectRemover) Remove(paths ...string) error {
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CommandRemover runs an external command with the paths appended as
// arguments and treats a non-zero exit status as failure. No shell is
// involved, so paths are passed through unmodified.
type CommandRemover struct {
	// Command is the program and leading arguments, e.g. ["rm", "--"].
	Command []string
}

// NewCommandRemover builds a CommandRemover from a command line split on
// whitespace. An empty line selects "rm".
func NewCommandRemover(commandLine string) CommandRemover {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		fields = []string{"rm"}
	}
	return CommandRemover{Command: fields}
}

// Remove implements Remover.
func (c CommandRemover) Remove(paths ...string) error {
	if len(c.Command) == 0 {
		return errors.New("delete command not configured")
	}

	args := append(append([]string{}, c.Command[1:]...), paths...)
	cmd := exec.Command(c.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", c.Command[0], err, msg)
		}
		return fmt.Errorf("%s: %w", c.Command[0], err)
	}
	return nil
}
