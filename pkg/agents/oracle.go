package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/amelia-dev/amelia/pkg/driver"
)

// maxOracleFileBytes caps how much of each bundled file reaches the prompt.
const maxOracleFileBytes = 64 * 1024

// Oracle is the out-of-band expert collaborator: a problem statement plus
// a bundle of files in, advice out.
type Oracle struct {
	Driver       driver.Driver
	Instructions string
}

// OracleRequest is one consultation.
type OracleRequest struct {
	Problem    string
	WorkingDir string
	// Files are paths relative to WorkingDir; each must resolve inside it.
	Files []string
}

// OracleResult is the advice plus usage for accounting.
type OracleResult struct {
	Advice string
	Usage  *driver.Usage
}

// Consult bundles the requested files and asks the driver for advice.
// Paths escaping the working directory are rejected before any file is
// read.
func (o *Oracle) Consult(ctx context.Context, req OracleRequest) (*OracleResult, error) {
	if strings.TrimSpace(req.Problem) == "" {
		return nil, &driver.UserInputError{Reason: "problem statement is empty"}
	}

	root, err := filepath.Abs(req.WorkingDir)
	if err != nil {
		return nil, &driver.UserInputError{Reason: fmt.Sprintf("invalid working_dir: %v", err)}
	}

	var b strings.Builder
	b.WriteString("# Problem\n\n")
	b.WriteString(req.Problem)
	b.WriteString("\n")
	for _, f := range req.Files {
		abs := filepath.Join(root, f)
		if rel, err := filepath.Rel(root, abs); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, &driver.UserInputError{Reason: fmt.Sprintf("file %q escapes the working directory", f)}
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, &driver.UserInputError{Reason: fmt.Sprintf("read %q: %v", f, err)}
		}
		if len(data) > maxOracleFileBytes {
			data = data[:maxOracleFileBytes]
		}
		fmt.Fprintf(&b, "\n## File: %s\n\n```\n%s\n```\n", f, strings.TrimRight(string(data), "\n"))
	}
	b.WriteString("\nGive concrete, expert advice on this problem.\n")

	res, err := o.Driver.Generate(ctx, driver.GenerateRequest{
		Prompt: b.String(),
		System: o.Instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	return &OracleResult{Advice: res.Text, Usage: o.Driver.Usage()}, nil
}
