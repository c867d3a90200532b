package dataset

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// GeneratedExample is one synthetic sentence produced by the template
// generator.
type GeneratedExample struct {
	Preprocessed string
	TargetCode   string
}

type GenerateOptions struct {
	Language          string
	MaxDepth          int
	TargetPruningSize int
}

// Generator produces synthetic sentences from the template library. The
// implementation is external to this process; generation is CPU bound and
// the corpus can be large, so examples are streamed to the callback rather
// than collected.
type Generator interface {
	Generate(ctx context.Context, opts GenerateOptions, emit func(ex GeneratedExample) error) error
}

// ExecGenerator runs the sentence generator as a subprocess and reads
// tab-separated (id, preprocessed, target code) lines from its stdout.
type ExecGenerator struct {
	Command string
	Args    []string
}

var _ Generator = (*ExecGenerator)(nil)

func (g *ExecGenerator) Generate(ctx context.Context, opts GenerateOptions, emit func(ex GeneratedExample) error) error {
	args := append([]string(nil), g.Args...)
	args = append(args,
		"--locale", opts.Language,
		"--max-depth", fmt.Sprintf("%d", opts.MaxDepth),
		"--target-pruning-size", fmt.Sprintf("%d", opts.TargetPruningSize),
	)

	cmd := exec.CommandContext(ctx, g.Command, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error running sentence generator: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error running sentence generator: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			cmd.Process.Signal(syscall.SIGTERM)
			cmd.Wait()
			return fmt.Errorf("malformed generator output line: %q", line)
		}

		if err := emit(GeneratedExample{Preprocessed: parts[1], TargetCode: parts[2]}); err != nil {
			cmd.Process.Signal(syscall.SIGTERM)
			cmd.Wait()
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		cmd.Wait()
		return fmt.Errorf("error reading generator output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("sentence generator failed: %w", err)
	}
	return nil
}
