package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Jobs keep their status hash around for a day after enqueue so clients
// can query terminal states.
const jobMetaTTL = 24 * time.Hour

const (
	jobKeyPrefix      = "job:"
	scheduleKeyPrefix = "schedule:"
	scheduleSetKey    = "schedule-set"
)

// Redis implements JobQueue, Scheduler and KeyValueStore on a single Redis
// connection. Queues are lists, job metadata lives in hashes, schedules in
// JSON values, streams in Redis streams.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis connects to addr (e.g. "localhost:6379").
func NewRedis(addr, password string, db int, logger *slog.Logger) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		logger: logger.With("component", "substrate"),
	}
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// --- JobQueue ---

func (r *Redis) Push(ctx context.Context, job *Job) error {
	key := jobKeyPrefix + job.ID
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"queue":   job.Queue,
		"payload": string(job.Payload),
		"timeout": int(job.Timeout / time.Second),
		"status":  StatusQueued,
		"retries": 0,
	})
	pipe.Expire(ctx, key, jobMetaTTL)
	pipe.LPush(ctx, job.Queue, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	r.logger.Debug("job pushed", "job_id", job.ID, "queue", job.Queue)
	return nil
}

func (r *Redis) Pop(ctx context.Context, queues []string, block time.Duration) (*Job, error) {
	// BRPOP interprets a zero timeout as "block forever", which is the
	// opposite of the JobQueue contract. Poll with RPOP instead.
	if block <= 0 {
		return r.popNow(ctx, queues)
	}
	res, err := r.rdb.BRPop(ctx, block, queues...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %v: %w", queues, err)
	}
	return r.loadJob(ctx, res[0], res[1])
}

func (r *Redis) popNow(ctx context.Context, queues []string) (*Job, error) {
	for _, queue := range queues {
		jobID, err := r.rdb.RPop(ctx, queue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pop %s: %w", queue, err)
		}
		return r.loadJob(ctx, queue, jobID)
	}
	return nil, nil
}

func (r *Redis) loadJob(ctx context.Context, queue, jobID string) (*Job, error) {
	meta, err := r.rdb.HGetAll(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("job meta %s: %w", jobID, err)
	}
	timeout, _ := strconv.Atoi(meta["timeout"])
	return &Job{
		ID:      jobID,
		Queue:   queue,
		Payload: []byte(meta["payload"]),
		Timeout: time.Duration(timeout) * time.Second,
	}, nil
}

func (r *Redis) PeekDepth(ctx context.Context, queue string) (int, error) {
	n, err := r.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", queue, err)
	}
	return int(n), nil
}

func (r *Redis) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	meta, err := r.rdb.HGetAll(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("job status %s: %w", jobID, err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	retries, _ := strconv.Atoi(meta["retries"])
	return &JobStatus{
		Status:  meta["status"],
		Queue:   meta["queue"],
		Retries: retries,
	}, nil
}

func (r *Redis) SetStatus(ctx context.Context, jobID, status string) error {
	return r.rdb.HSet(ctx, jobKeyPrefix+jobID, "status", status).Err()
}

// --- Scheduler ---

func (r *Redis) AddCron(ctx context.Context, e *Entry) error {
	return r.addEntry(ctx, e)
}

func (r *Redis) AddInterval(ctx context.Context, e *Entry) error {
	return r.addEntry(ctx, e)
}

func (r *Redis) addEntry(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", e.ID, err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, scheduleKeyPrefix+e.ID, data, 0)
	pipe.SAdd(ctx, scheduleSetKey, e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add entry %s: %w", e.ID, err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", e.ID, err)
	}
	return r.rdb.Set(ctx, scheduleKeyPrefix+e.ID, data, 0).Err()
}

func (r *Redis) Remove(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, scheduleKeyPrefix+id)
	pipe.SRem(ctx, scheduleSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove entry %s: %w", id, err)
	}
	return nil
}

func (r *Redis) GetEntry(ctx context.Context, id string) (*Entry, error) {
	data, err := r.rdb.Get(ctx, scheduleKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry %s: %w", id, err)
	}
	return &e, nil
}

func (r *Redis) List(ctx context.Context) ([]*Entry, error) {
	ids, err := r.rdb.SMembers(ctx, scheduleSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := r.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- KeyValueStore ---

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	return v, err
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *Redis) SAdd(ctx context.Context, set string, members ...string) error {
	return r.rdb.SAdd(ctx, set, toAny(members)...).Err()
}

func (r *Redis) SRem(ctx context.Context, set string, members ...string) error {
	return r.rdb.SRem(ctx, set, toAny(members)...).Err()
}

func (r *Redis) SMembers(ctx context.Context, set string) ([]string, error) {
	return r.rdb.SMembers(ctx, set).Result()
}

type redisPipe struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (p *redisPipe) Set(key, value string, ttl time.Duration) { p.pipe.Set(p.ctx, key, value, ttl) }
func (p *redisPipe) Del(keys ...string)                       { p.pipe.Del(p.ctx, keys...) }
func (p *redisPipe) Expire(key string, ttl time.Duration)     { p.pipe.Expire(p.ctx, key, ttl) }
func (p *redisPipe) SAdd(set string, members ...string)       { p.pipe.SAdd(p.ctx, set, toAny(members)...) }
func (p *redisPipe) SRem(set string, members ...string)       { p.pipe.SRem(p.ctx, set, toAny(members)...) }

func (r *Redis) Pipeline(ctx context.Context, fn func(Pipe)) error {
	pipe := r.rdb.TxPipeline()
	fn(&redisPipe{ctx: ctx, pipe: pipe})
	_, err := pipe.Exec(ctx)
	return err
}

// --- Streams ---

func (r *Redis) XAdd(ctx context.Context, stream string, fields map[string]string, ttl time.Duration) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	if ttl > 0 {
		if err := r.rdb.Expire(ctx, stream, ttl).Err(); err != nil {
			return "", fmt.Errorf("expire stream %s: %w", stream, err)
		}
	}
	return id, nil
}

func (r *Redis) XRead(ctx context.Context, stream, cursor string, block time.Duration) ([]StreamEntry, error) {
	if cursor == "" {
		cursor = "0"
	}
	res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Block:   block,
		Count:   100,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", stream, err)
	}
	var entries []StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				}
			}
			entries = append(entries, StreamEntry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
