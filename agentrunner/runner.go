// Package agentrunner spawns the external agent subprocess for one
// claimed request and collects its JSON result. The agent is a black
// box: it talks to the signing proxy over loopback and never holds key
// material itself.
package agentrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/itskum47/MechForge/observability"
	"github.com/itskum47/MechForge/pkg/logger"
)

// Final statuses the agent may report.
const (
	StatusCompleted  = "COMPLETED"
	StatusDelegating = "DELEGATING"
	StatusWaiting    = "WAITING"
	StatusFailed     = "FAILED"
)

// ToolCall is one telemetry entry from the agent run.
type ToolCall struct {
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Success bool            `json:"success"`
}

// Telemetry is the agent's self-reported execution trace.
type Telemetry struct {
	ToolCalls []ToolCall      `json:"toolCalls"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// Artifact references content the agent produced and stored.
type Artifact struct {
	CID            string `json:"cid"`
	Topic          string `json:"topic"`
	Name           string `json:"name,omitempty"`
	Type           string `json:"type,omitempty"`
	ContentPreview string `json:"contentPreview,omitempty"`
}

// Result is the agent's output contract.
type Result struct {
	Output      string          `json:"output"`
	Telemetry   Telemetry       `json:"telemetry"`
	FinalStatus string          `json:"finalStatus"`
	Artifacts   []Artifact      `json:"artifacts"`
	Recognition json.RawMessage `json:"recognition,omitempty"`
	Reflection  json.RawMessage `json:"reflection,omitempty"`
}

// RuntimeContext is everything the agent needs injected via
// environment: how to reach the proxy, which request it serves, and the
// short-lived provider credentials redeemed for this claim.
type RuntimeContext struct {
	ProxyURL     string
	ProxyToken   string
	RequestID    string
	WorkstreamID string
	Blueprint    string

	// Credentials maps provider name to an access token, exported as
	// CREDENTIAL_TOKEN_<PROVIDER>.
	Credentials map[string]string
}

// Config holds the agent invocation settings.
type Config struct {
	// Command and Args launch the agent, e.g. "node" + ["agent.js"].
	Command string
	Args    []string

	// WorkDir hosts the per-run blueprint and result files.
	WorkDir string

	// GracePeriod between interrupt and SIGKILL on cancellation.
	GracePeriod time.Duration

	// LinePrefix tags every agent output line, e.g. "worker-2/agent".
	LinePrefix string
}

// Runner executes agent subprocesses one at a time.
type Runner struct {
	cfg Config
	log *logger.Logger
	out io.Writer
}

// NewRunner creates a runner. Agent output lines go to out (the
// worker's stdout by default) prefixed with cfg.LinePrefix.
func NewRunner(cfg Config, log *logger.Logger) *Runner {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if log == nil {
		log = logger.New("agentrunner")
	}
	return &Runner{cfg: cfg, log: log, out: os.Stdout}
}

// SetOutput redirects agent output lines. Used in tests.
func (r *Runner) SetOutput(out io.Writer) { r.out = out }

// Run spawns the agent for one claim and blocks until it exits or ctx
// is cancelled. On cancellation the agent gets an interrupt and the
// configured grace period before SIGKILL.
func (r *Runner) Run(ctx context.Context, rc RuntimeContext) (Result, error) {
	start := time.Now()
	result, err := r.run(ctx, rc)
	observability.AgentRunDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.AgentRuns.WithLabelValues("error").Inc()
		return Result{}, err
	}
	observability.AgentRuns.WithLabelValues(result.FinalStatus).Inc()
	return result, nil
}

func (r *Runner) run(ctx context.Context, rc RuntimeContext) (Result, error) {
	runDir, err := os.MkdirTemp(r.cfg.WorkDir, "agent-run-")
	if err != nil {
		return Result{}, fmt.Errorf("create run dir: %w", err)
	}
	defer os.RemoveAll(runDir)

	blueprintPath := filepath.Join(runDir, "blueprint.txt")
	if err := os.WriteFile(blueprintPath, []byte(rc.Blueprint), 0o600); err != nil {
		return Result{}, fmt.Errorf("write blueprint: %w", err)
	}
	resultPath := filepath.Join(runDir, "result.json")

	cmd := exec.Command(r.cfg.Command, r.cfg.Args...)
	cmd.Dir = runDir
	cmd.Env = append(os.Environ(),
		"SIGNING_PROXY_URL="+rc.ProxyURL,
		"SIGNING_PROXY_TOKEN="+rc.ProxyToken,
		"MECH_REQUEST_ID="+rc.RequestID,
		"WORKSTREAM_ID="+rc.WorkstreamID,
		"BLUEPRINT_PATH="+blueprintPath,
		"RESULT_PATH="+resultPath,
	)
	for provider, token := range rc.Credentials {
		cmd.Env = append(cmd.Env, "CREDENTIAL_TOKEN_"+strings.ToUpper(provider)+"="+token)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, err
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start agent: %w", err)
	}
	r.log.WithField("workstream_id", rc.WorkstreamID).
		WithField("pid", cmd.Process.Pid).
		Info("agent started")

	go r.stream(stdout, "out")
	go r.stream(stderr, "err")

	waitErr := r.wait(ctx, cmd)
	if waitErr != nil {
		return Result{}, waitErr
	}
	return r.readResult(resultPath)
}

// wait blocks on the process; on ctx cancellation it interrupts, waits
// out the grace period, then kills.
func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("agent exited: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	r.log.Warn("cancelling agent run")
	_ = cmd.Process.Signal(syscall.SIGINT)
	select {
	case <-done:
	case <-time.After(r.cfg.GracePeriod):
		r.log.Warn("agent ignored interrupt; killing")
		_ = cmd.Process.Kill()
		<-done
	}
	return fmt.Errorf("agent cancelled: %w", ctx.Err())
}

func (r *Runner) readResult(path string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("agent wrote no result: %w", err)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("decode agent result: %w", err)
	}
	switch result.FinalStatus {
	case StatusCompleted, StatusDelegating, StatusWaiting, StatusFailed:
	default:
		return Result{}, fmt.Errorf("agent reported unknown finalStatus %q", result.FinalStatus)
	}
	return result, nil
}

// stream copies agent output line by line with the configured prefix so
// the supervisor's aggregated log stays attributable.
func (r *Runner) stream(src io.Reader, channel string) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintf(r.out, "[%s/%s] %s\n", r.cfg.LinePrefix, channel, scanner.Text())
	}
}
