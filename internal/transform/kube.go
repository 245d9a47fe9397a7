package transform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubeConfig describes the Job that runs the transform in a cluster
type KubeConfig struct {
	Kubeconfig     string            `toml:"kubeconfig"`
	Namespace      string            `toml:"namespace"`
	Image          string            `toml:"image"`
	Command        []string          `toml:"command"`
	Args           []string          `toml:"args"`
	Env            map[string]string `toml:"env"`
	ServiceAccount string            `toml:"service_account"`
	PollInterval   time.Duration     `toml:"poll_interval"`
	TTLAfterFinish time.Duration     `toml:"ttl_after_finish"`
}

// DefaultKubeConfig returns Job defaults
func DefaultKubeConfig() KubeConfig {
	return KubeConfig{
		Namespace:      "default",
		Args:           []string{"build"},
		PollInterval:   5 * time.Second,
		TTLAfterFinish: time.Hour,
	}
}

// Validate checks the Job settings
func (c KubeConfig) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("transform kubernetes namespace must be specified")
	}
	if c.Image == "" {
		return fmt.Errorf("transform kubernetes image must be specified")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("transform kubernetes poll_interval must be positive")
	}
	return nil
}

// NewKubeClient builds a clientset from a kubeconfig path, falling back to
// the in-cluster service account when the path is empty.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, errors.Wrap(err, "kubernetes client config")
	}
	return kubernetes.NewForConfig(cfg)
}

// KubeJobRunner runs the transform as a batch/v1 Job and waits for it to
// finish. The Job is not retried by Kubernetes; the pipeline re-runs instead.
type KubeJobRunner struct {
	config KubeConfig
	client kubernetes.Interface
	logger *slog.Logger
	nameFn func() string
}

func NewKubeJobRunner(config KubeConfig, client kubernetes.Interface, logger *slog.Logger) *KubeJobRunner {
	return &KubeJobRunner{
		config: config,
		client: client,
		logger: logger,
		nameFn: func() string {
			return "channelpipe-transform-" + uuid.NewString()[:8]
		},
	}
}

func (r *KubeJobRunner) Run(ctx context.Context) error {
	jobs := r.client.BatchV1().Jobs(r.config.Namespace)

	job, err := jobs.Create(ctx, r.buildJob(), metav1.CreateOptions{})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "create transform job"), ErrStartFailed)
	}
	logger := r.logger.With("job", job.Name, "namespace", job.Namespace)
	logger.Info("Created transform job")

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		current, err := jobs.Get(ctx, job.Name, metav1.GetOptions{})
		if err != nil && ctx.Err() == nil {
			logger.Warn("Failed to poll transform job", "error", err)
		}
		if err == nil {
			done, jobErr := jobFinished(current)
			if done {
				if jobErr != nil {
					return errors.Wrapf(jobErr, "transform job %s", job.Name)
				}
				logger.Info("Transform job succeeded")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			r.cleanup(job.Name, logger)
			return errors.Wrapf(ctx.Err(), "waiting for transform job %s", job.Name)
		case <-ticker.C:
		}
	}
}

// cleanup deletes an abandoned Job and its pods
func (r *KubeJobRunner) cleanup(name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil {
		logger.Warn("Failed to delete abandoned transform job", "error", err)
	}
}

func (r *KubeJobRunner) buildJob() *batchv1.Job {
	backoffLimit := int32(0)

	var ttl *int32
	if r.config.TTLAfterFinish > 0 {
		secs := int32(r.config.TTLAfterFinish / time.Second)
		ttl = &secs
	}

	keys := make([]string, 0, len(r.config.Env))
	for k := range r.config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: r.config.Env[k]})
	}

	labels := map[string]string{
		"app.kubernetes.io/name":      "channelpipe",
		"app.kubernetes.io/component": "transform",
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.nameFn(),
			Namespace: r.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: r.config.ServiceAccount,
					Containers: []corev1.Container{{
						Name:    "transform",
						Image:   r.config.Image,
						Command: r.config.Command,
						Args:    r.config.Args,
						Env:     env,
					}},
				},
			},
		},
	}
}

// jobFinished reports whether the Job reached a terminal condition, and the
// failure if it did not succeed.
func jobFinished(job *batchv1.Job) (bool, error) {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return true, nil
		case batchv1.JobFailed:
			return true, errors.Newf("failed: %s: %s", c.Reason, c.Message)
		}
	}
	return false, nil
}
