// internal/agent/agent.go
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbarrio/fanout/internal/config"
	"github.com/mbarrio/fanout/internal/launcher"
	"github.com/nats-io/nats.go"
)

// Agent is the worker-side half of the cluster launcher: it joins the task
// queue group, executes each dispatched command as a forked shell process
// and publishes the result back on the dispatch's reply subject. A bounded
// slot pool caps how many commands run at once.
type Agent struct {
	id       string
	cfg      config.NATSConfig
	logger   *slog.Logger
	hostname string

	conn     *nats.Conn
	slots    chan struct{}
	inflight sync.WaitGroup
}

// New creates an agent with the given number of execution slots.
func New(cfg config.NATSConfig, slots int, logger *slog.Logger) *Agent {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	id := hostname + "-" + uuid.New().String()[:8]

	return &Agent{
		id:       id,
		cfg:      cfg,
		logger:   logger.With("component", "agent", "agent_id", id),
		hostname: hostname,
		slots:    make(chan struct{}, slots),
	}
}

// Run connects to NATS, subscribes the shared task queue group and serves
// dispatches until the context is cancelled. In-flight commands are drained
// before returning.
func (a *Agent) Run(ctx context.Context) error {
	conn, err := nats.Connect(a.cfg.URL,
		nats.Name("fanout-worker-"+a.id),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.conn = conn
	defer conn.Close()

	sub, err := conn.QueueSubscribe(a.cfg.TasksSubject, a.cfg.QueueGroup, a.handleDispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", a.cfg.TasksSubject, err)
	}

	a.logger.Info("agent started",
		"subject", a.cfg.TasksSubject,
		"queue_group", a.cfg.QueueGroup,
		"slots", cap(a.slots),
	)

	<-ctx.Done()

	// Stop taking new dispatches, then drain what is already running.
	if err := sub.Drain(); err != nil {
		a.logger.Error("subscription drain failed", "error", err)
	}
	a.inflight.Wait()

	a.logger.Info("agent stopped")
	return nil
}

// handleDispatch executes one dispatch in its own goroutine, bounded by the
// slot pool.
func (a *Agent) handleDispatch(msg *nats.Msg) {
	var dispatch launcher.Dispatch
	if err := json.Unmarshal(msg.Data, &dispatch); err != nil {
		a.logger.Error("discarding malformed dispatch", "error", err)
		return
	}
	if msg.Reply == "" {
		a.logger.Error("discarding dispatch without reply subject", "task_id", dispatch.TaskID)
		return
	}

	a.slots <- struct{}{}
	a.inflight.Add(1)

	go func() {
		defer func() {
			<-a.slots
			a.inflight.Done()
		}()

		result := a.execute(&dispatch)

		data, err := json.Marshal(result)
		if err != nil {
			a.logger.Error("failed to marshal result", "task_id", dispatch.TaskID, "error", err)
			return
		}
		if err := a.conn.Publish(msg.Reply, data); err != nil {
			a.logger.Error("failed to publish result", "task_id", dispatch.TaskID, "error", err)
		}
	}()
}

// execute forks the dispatched command and captures its exit code and
// elapsed time.
func (a *Agent) execute(dispatch *launcher.Dispatch) *launcher.Result {
	a.logger.Debug("executing task",
		"run_id", dispatch.RunID,
		"task_id", dispatch.TaskID,
		"worker", dispatch.Worker,
	)

	started := time.Now()
	cmd := exec.Command("/bin/sh", "-c", dispatch.Command)

	rc := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		} else {
			rc = -1
		}
	}

	return &launcher.Result{
		RunID:      dispatch.RunID,
		Worker:     dispatch.Worker,
		TaskID:     dispatch.TaskID,
		ReturnCode: rc,
		Hostname:   a.hostname,
		Elapsed:    time.Since(started),
	}
}
