package transform

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
)

// maxStderr bounds the stderr tail kept for the failure message
const maxStderr = 4 << 10

// ExecRunner runs an ordered list of commands, such as a dbt project's
// debug, run and test steps. The first failing command stops the list.
type ExecRunner struct {
	dir      string
	commands [][]string
	logger   *slog.Logger
}

func NewExecRunner(dir string, commands [][]string, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		dir:      dir,
		commands: commands,
		logger:   logger,
	}
}

func (r *ExecRunner) Run(ctx context.Context) error {
	for _, args := range r.commands {
		if err := r.runOne(ctx, args); err != nil {
			return err
		}
	}
	return nil
}

func (r *ExecRunner) runOne(ctx context.Context, args []string) error {
	name := strings.Join(args, " ")
	logger := r.logger.With("command", name)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.dir

	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger.Info("Running transform command")
	if err := cmd.Start(); err != nil {
		return errors.Mark(errors.Wrapf(err, "start %q", name), ErrStartFailed)
	}

	err := cmd.Wait()

	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		logger.Debug(scanner.Text())
	}

	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "%q interrupted", name)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errors.Newf("%q exited with status %d: %s", name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return errors.Wrapf(err, "%q", name)
	}

	logger.Info("Transform command finished")
	return nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
