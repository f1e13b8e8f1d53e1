// internal/launcher/nats.go
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbarrio/fanout/internal/models"
	"github.com/nats-io/nats.go"
)

// ClusterConfig holds the NATS settings of the cluster launcher.
type ClusterConfig struct {
	URL          string
	TasksSubject string
	QueueGroup   string
}

// Cluster dispatches tasks to remote worker agents over NATS. Dispatches go
// to a queue subject shared by all agents of the allocation; each agent
// replies on a per-run inbox that WaitAny drains. Worker slots stay logical
// on the master side: the agent that picked a dispatch up reports its
// hostname in the result, and WorkerNode remembers the last one seen per
// slot.
type Cluster struct {
	cfg         ClusterConfig
	logger      *slog.Logger
	runID       string
	conn        *nats.Conn
	sub         *nats.Subscription
	inbox       string
	results     chan *nats.Msg
	workerNodes map[int]string
}

// NewCluster connects to NATS and subscribes the per-run result inbox.
func NewCluster(cfg ClusterConfig, runID string, workers int, logger *slog.Logger) (*Cluster, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("fanout-master-"+runID),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	c := &Cluster{
		cfg:         cfg,
		logger:      logger.With("component", "cluster-launcher"),
		runID:       runID,
		conn:        conn,
		inbox:       conn.NewRespInbox(),
		results:     make(chan *nats.Msg, workers),
		workerNodes: make(map[int]string),
	}

	sub, err := conn.ChanSubscribe(c.inbox, c.results)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe result inbox: %w", err)
	}
	c.sub = sub

	return c, nil
}

// Dispatch publishes the task to the shared queue subject with the run's
// inbox as reply address.
func (c *Cluster) Dispatch(worker int, task *models.Task) error {
	msg := Dispatch{
		RunID:   c.runID,
		Worker:  worker,
		TaskID:  task.ID,
		Command: task.Command,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch: %w", err)
	}

	if err := c.conn.PublishRequest(c.cfg.TasksSubject, c.inbox, data); err != nil {
		return fmt.Errorf("failed to publish task %d: %w", task.ID, err)
	}

	c.logger.Debug("task dispatched", "task_id", task.ID, "worker", worker, "subject", c.cfg.TasksSubject)
	return nil
}

// WaitAny blocks until an agent reports a completion for this run.
func (c *Cluster) WaitAny(ctx context.Context) (Completion, error) {
	for {
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case msg, ok := <-c.results:
			if !ok {
				return Completion{}, fmt.Errorf("result subscription closed")
			}

			var res Result
			if err := json.Unmarshal(msg.Data, &res); err != nil {
				c.logger.Error("discarding malformed result", "error", err)
				continue
			}
			if res.RunID != c.runID {
				c.logger.Warn("discarding result for foreign run", "run_id", res.RunID)
				continue
			}

			c.workerNodes[res.Worker] = res.Hostname
			return Completion{
				Worker:     res.Worker,
				TaskID:     res.TaskID,
				ReturnCode: res.ReturnCode,
				Hostname:   res.Hostname,
				Elapsed:    res.Elapsed,
			}, nil
		}
	}
}

// WorkerNode returns the hostname of the agent last seen on a worker slot.
func (c *Cluster) WorkerNode(worker int) string {
	if node, ok := c.workerNodes[worker]; ok {
		return node
	}
	return "cluster"
}

// Close unsubscribes the inbox and closes the connection.
func (c *Cluster) Close() error {
	if err := c.sub.Unsubscribe(); err != nil {
		c.conn.Close()
		return err
	}
	c.conn.Close()
	return nil
}
