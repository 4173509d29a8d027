package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

// Redis keeps the run log in a capped list and the in-flight marker in a
// plain key, so an abandoned run survives a process restart.
type Redis struct {
	client      *redis.Client
	runsKey     string
	inflightKey string
	limit       int64
}

func NewRedis(client *redis.Client, prefix string, limit int) *Redis {
	if prefix == "" {
		prefix = "midas:sync"
	}
	if limit <= 0 {
		limit = 200
	}
	return &Redis{
		client:      client,
		runsKey:     prefix + ":runs",
		inflightKey: prefix + ":inflight",
		limit:       int64(limit),
	}
}

func (r *Redis) Begin(ctx context.Context, run model.SyncRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	if err := r.client.Set(ctx, r.inflightKey, data, 0).Err(); err != nil {
		return fmt.Errorf("saving in-flight marker: %w", err)
	}
	return nil
}

func (r *Redis) Finish(ctx context.Context, run model.SyncRun) error {
	if !run.Finalized() {
		return fmt.Errorf("%w: %s is %s", ErrNotFinalized, run.ID, run.State)
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.runsKey, data)
	pipe.LTrim(ctx, r.runsKey, 0, r.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending run: %w", err)
	}

	// clear the marker only if it is still ours
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, r.inflightKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var marker model.SyncRun
		if json.Unmarshal(cur, &marker) == nil && marker.ID != run.ID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.inflightKey)
			return nil
		})
		return err
	}, r.inflightKey)
	if err != nil {
		return fmt.Errorf("clearing in-flight marker: %w", err)
	}
	return nil
}

func (r *Redis) Recent(ctx context.Context, n int) ([]model.SyncRun, error) {
	stop := int64(n) - 1
	if n <= 0 {
		stop = -1
	}
	raw, err := r.client.LRange(ctx, r.runsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("reading run log: %w", err)
	}
	out := make([]model.SyncRun, 0, len(raw))
	for _, s := range raw {
		var run model.SyncRun
		if err := json.Unmarshal([]byte(s), &run); err != nil {
			obs.Logger.Warn("runlog_entry_corrupt", "err", err.Error())
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (r *Redis) InFlight(ctx context.Context) (model.SyncRun, bool, error) {
	data, err := r.client.Get(ctx, r.inflightKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.SyncRun{}, false, nil
	}
	if err != nil {
		return model.SyncRun{}, false, fmt.Errorf("reading in-flight marker: %w", err)
	}
	var run model.SyncRun
	if err := json.Unmarshal(data, &run); err != nil {
		// an unreadable marker still means a run was interrupted
		obs.Logger.Warn("runlog_marker_corrupt", "err", err.Error())
		return model.SyncRun{ID: "unknown", Source: model.SourcePull}, true, nil
	}
	return run, true, nil
}
