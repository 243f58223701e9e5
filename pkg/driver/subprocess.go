package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// maxLineBytes bounds a single JSON line from a CLI. Tool results can
// carry whole files, so the limit is generous.
const maxLineBytes = 10 * 1024 * 1024

// runJSONLines shells out to a CLI whose stdout is one JSON document per
// line. Each line is handed to onLine; stderr is engine logging and goes
// to slog at debug level. A non-zero exit becomes a ProviderError carrying
// the stderr tail.
func runJSONLines(ctx context.Context, driverName, bin string, args []string, cwd string, onLine func(line []byte) error) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ProviderError{Driver: driverName, Reason: "open stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ProviderError{Driver: driverName, Reason: "open stderr pipe", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return &ProviderError{Driver: driverName, Reason: fmt.Sprintf("start %s", bin), Cause: err}
	}

	stderrTail := make(chan string, 1)
	go func() {
		stderrTail <- drainStderr(driverName, stderr)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var lineErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := onLine(line); err != nil {
			lineErr = err
			break
		}
	}
	scanErr := scanner.Err()

	// Always reap the process; CommandContext kills it on ctx cancel.
	waitErr := cmd.Wait()
	tail := <-stderrTail

	if lineErr != nil {
		return lineErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return &ProviderError{Driver: driverName, Reason: "read stdout", Cause: scanErr}
	}
	if waitErr != nil {
		reason := fmt.Sprintf("%s exited with error", bin)
		if tail != "" {
			reason = fmt.Sprintf("%s: %s", reason, tail)
		}
		return &ProviderError{Driver: driverName, Reason: reason, Cause: waitErr}
	}
	return nil
}

// drainStderr logs each stderr line at debug level and returns the last
// kilobyte for error reporting.
func drainStderr(driverName string, r io.Reader) string {
	var tail strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("Driver stderr", "driver", driverName, "line", line)
		tail.WriteString(line)
		tail.WriteByte('\n')
	}
	s := strings.TrimSpace(tail.String())
	if len(s) > 1000 {
		s = s[len(s)-1000:]
	}
	return s
}
