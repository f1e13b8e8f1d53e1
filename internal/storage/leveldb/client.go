// internal/storage/leveldb/client.go
package leveldb

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mbarrio/fanout/internal/config"
	"github.com/mbarrio/fanout/internal/models"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Client is the run journal: an embedded LevelDB recording run records and
// per-task results as they happen, so an interrupted run can be resumed
// without repeating completed work.
type Client struct {
	db    *leveldb.DB
	mutex sync.RWMutex
}

// NewClient opens (or creates) the journal at the configured path.
func NewClient(cfg config.LevelDBConfig) (*Client, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}

	db, err := leveldb.OpenFile(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the underlying database.
func (c *Client) Close() error {
	return c.db.Close()
}

func runKey(runID string) []byte {
	return []byte(fmt.Sprintf("run:%s", runID))
}

func taskKey(runID string, taskID int) []byte {
	return []byte(fmt.Sprintf("run:%s:task:%010d", runID, taskID))
}

// PutRun stores or refreshes a run record.
func (c *Client) PutRun(run *models.Run) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	data, err := run.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	return c.db.Put(runKey(run.ID), data, nil)
}

// GetRun loads a run record; returns nil when the run is unknown.
func (c *Client) GetRun(runID string) (*models.Run, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	data, err := c.db.Get(runKey(runID), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var run models.Run
	if err := run.FromJSON(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// RecordTask journals a task's latest state under its run.
func (c *Client) RecordTask(runID string, task *models.Task) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	data, err := json.Marshal(models.ResultOf(runID, task))
	if err != nil {
		return fmt.Errorf("failed to marshal task result: %w", err)
	}
	return c.db.Put(taskKey(runID, task.ID), data, nil)
}

// TaskStates reloads the journaled task states of a run, keyed by task id.
// Used on resume to skip work a previous run already completed.
func (c *Client) TaskStates(runID string) (map[int]models.TaskState, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	states := make(map[int]models.TaskState)

	iter := c.db.NewIterator(util.BytesPrefix([]byte(fmt.Sprintf("run:%s:task:", runID))), nil)
	defer iter.Release()

	for iter.Next() {
		var result models.TaskResult
		if err := json.Unmarshal(iter.Value(), &result); err != nil {
			continue
		}
		states[result.TaskID] = result.State
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}

	return states, nil
}

// CompletedTasks returns the ids of tasks a run has already completed.
func (c *Client) CompletedTasks(runID string) ([]int, error) {
	states, err := c.TaskStates(runID)
	if err != nil {
		return nil, err
	}

	var ids []int
	for id, state := range states {
		if state == models.TaskStateCompleted {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// DeleteRun drops a run record and all its journaled task results.
func (c *Client) DeleteRun(runID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(runKey(runID))

	iter := c.db.NewIterator(util.BytesPrefix([]byte(fmt.Sprintf("run:%s:task:", runID))), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	return c.db.Write(batch, nil)
}
