// Package transform builds the curated tables from raw storage. The work is
// opaque to the pipeline: a Runner either succeeds or fails with a message.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/channelpipe/internal/db"
	"k8s.io/client-go/kubernetes"
)

// ErrStartFailed marks a transform that could not be started at all
var ErrStartFailed = errors.New("transform: failed to start")

// Runner executes one transform pass
type Runner interface {
	Run(ctx context.Context) error
}

const (
	RunnerSQL        = "sql"
	RunnerExec       = "exec"
	RunnerKubernetes = "kubernetes"
)

// Config selects and configures the transform runner
type Config struct {
	Runner   string        `toml:"runner"`
	Timeout  time.Duration `toml:"timeout"`
	Dir      string        `toml:"dir"`
	Commands [][]string    `toml:"commands"`

	Kubernetes KubeConfig `toml:"kubernetes"`
}

// DefaultConfig returns transform defaults
func DefaultConfig() Config {
	return Config{
		Runner:  RunnerSQL,
		Timeout: 30 * time.Minute,
		Dir:     "transform",
		Commands: [][]string{
			{"dbt", "debug"},
			{"dbt", "run"},
			{"dbt", "test"},
		},
		Kubernetes: DefaultKubeConfig(),
	}
}

// Validate checks the runner settings
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("transform timeout must not be negative")
	}

	switch c.Runner {
	case RunnerSQL:
		return nil
	case RunnerExec:
		if len(c.Commands) == 0 {
			return fmt.Errorf("transform commands must be specified for the exec runner")
		}
		for i, cmd := range c.Commands {
			if len(cmd) == 0 || cmd[0] == "" {
				return fmt.Errorf("transform command %d is empty", i)
			}
		}
		return nil
	case RunnerKubernetes:
		return c.Kubernetes.Validate()
	default:
		return fmt.Errorf("transform runner must be one of %q, %q, %q: got %q", RunnerSQL, RunnerExec, RunnerKubernetes, c.Runner)
	}
}

// New builds the configured runner. client is only used by the kubernetes
// runner and may be nil otherwise.
func New(config Config, database *db.DB, client kubernetes.Interface, logger *slog.Logger) (Runner, error) {
	var r Runner
	switch config.Runner {
	case RunnerSQL:
		r = NewSQLRunner(database, logger)
	case RunnerExec:
		r = NewExecRunner(config.Dir, config.Commands, logger)
	case RunnerKubernetes:
		if client == nil {
			return nil, fmt.Errorf("kubernetes transform runner needs a client")
		}
		r = NewKubeJobRunner(config.Kubernetes, client, logger)
	default:
		return nil, fmt.Errorf("unknown transform runner %q", config.Runner)
	}

	if config.Timeout > 0 {
		r = &timeoutRunner{runner: r, timeout: config.Timeout}
	}
	return r, nil
}

type timeoutRunner struct {
	runner  Runner
	timeout time.Duration
}

func (t *timeoutRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.runner.Run(ctx)
}
