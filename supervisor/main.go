// The supervisor launches the worker fleet and keeps it coherent: all
// workers run or none do. A worker dying uncleanly tears the group down
// and propagates its exit code, leaving the restart decision to the
// init system.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/itskum47/MechForge/observability"
	"github.com/itskum47/MechForge/pkg/logger"
)

const teardownGrace = 5 * time.Second

type child struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}
}

type childExit struct {
	id   string
	code int
	err  error
}

func main() {
	log := logger.New("supervisor")

	cfg, err := LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statusBoard := newStatusBoard()
	srv := newLivenessServer(cfg, statusBoard, log.WithComponent("liveness"))
	statusURL, err := srv.start()
	if err != nil {
		log.WithError(err).Fatal("start liveness server")
	}

	exits := make(chan childExit, cfg.WorkerCount)
	children := make([]*child, 0, cfg.WorkerCount)
	var mu sync.Mutex

	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		c, err := spawn(cfg, workerID, statusURL, exits)
		if err != nil {
			log.WithError(err).Fatalf("spawn %s", workerID)
		}
		mu.Lock()
		children = append(children, c)
		mu.Unlock()
		observability.ConnectedWorkers.Inc()
		log.Infof("started %s (pid %d)", workerID, c.cmd.Process.Pid)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down worker fleet")
			mu.Lock()
			teardown(children, log)
			mu.Unlock()
			return

		case exit := <-exits:
			observability.ConnectedWorkers.Dec()
			if exit.code == 0 {
				// A clean exit outside shutdown is a worker that decided
				// to stop; keep the fleet at full strength.
				log.Warnf("%s exited cleanly; respawning", exit.id)
				observability.WorkerRestarts.WithLabelValues(exit.id).Inc()
				c, err := spawn(cfg, exit.id, statusURL, exits)
				if err != nil {
					log.WithError(err).Fatalf("respawn %s", exit.id)
				}
				mu.Lock()
				children = append(children, c)
				mu.Unlock()
				observability.ConnectedWorkers.Inc()
				continue
			}

			log.Errorf("%s exited with code %d; stopping fleet", exit.id, exit.code)
			mu.Lock()
			teardown(children, log)
			mu.Unlock()
			os.Exit(exit.code)
		}
	}
}

// spawn starts one worker child with its stable identity and the status
// endpoint injected, and forwards its output line-prefixed.
func spawn(cfg Config, workerID, statusURL string, exits chan<- childExit) (*child, error) {
	cmd := exec.Command(cfg.WorkerBinary)
	cmd.Env = append(os.Environ(),
		"WORKER_ID="+workerID,
		"SUPERVISOR_STATUS_URL="+statusURL,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go forward(stdout, workerID)
	go forward(stderr, workerID)

	c := &child{id: workerID, cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		close(c.done)
		code := 0
		if err != nil {
			code = 1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
				if code < 0 {
					// Killed by signal.
					code = 128
				}
			}
		}
		exits <- childExit{id: workerID, code: code, err: err}
	}()
	return c, nil
}

// forward copies child output to our stdout with the worker prefix so
// the aggregated log stays attributable.
func forward(src io.Reader, workerID string) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Printf("[%s] %s\n", workerID, scanner.Text())
	}
}

// teardown terminates every live child: SIGTERM, a bounded grace
// period, then SIGKILL.
func teardown(children []*child, log *logger.Logger) {
	for _, c := range children {
		select {
		case <-c.done:
		default:
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.After(teardownGrace)
	for _, c := range children {
		select {
		case <-c.done:
		case <-deadline:
			log.Warnf("grace period expired; killing %s", c.id)
			_ = c.cmd.Process.Kill()
			<-c.done
		}
	}
}
