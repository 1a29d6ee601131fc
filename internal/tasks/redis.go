package tasks

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists tasks in Redis hashes with secondary indexes kept
// in sets and sorted sets. Every multi-key transition runs inside a Lua
// script so concurrent claimants and updaters can never observe a
// half-moved record. Key layout under the prefix:
//
//	task:<id>        hash of task fields
//	pending:<queue>  zset scored by (priority, createdAt) composite
//	scheduled        zset scored by scheduledFor millis
//	processing       zset scored by startedAt millis
//	status:<STATUS>  set of ids
//	queue:<queue>    set of ids
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// pendingScore orders the pending zset: higher priority first, then
// earlier createdAt. Priorities are clamped to ±99 so the composite stays
// inside float64 integer precision.
//
// Mirrored by pending_score in the Lua scripts below.
func pendingScore(priority Priority, createdAt time.Time) float64 {
	p := int(priority)
	if p > 99 {
		p = 99
	}
	if p < -99 {
		p = -99
	}
	return float64(99-p)*1e13 + float64(createdAt.UnixMilli())
}

// Lua helper injected into scripts that need to rebuild index entries.
const luaHelpers = `
local function pending_score(task)
	local pr = tonumber(redis.call('HGET', task, 'priority')) or 0
	if pr > 99 then pr = 99 end
	if pr < -99 then pr = -99 end
	local created = tonumber(redis.call('HGET', task, 'created_at')) or 0
	return (99 - pr) * 1e13 + created
end

local function index_for_status(prefix, task, id)
	local status = redis.call('HGET', task, 'status')
	local queue = redis.call('HGET', task, 'queue')
	redis.call('SADD', prefix .. 'status:' .. status, id)
	redis.call('SADD', prefix .. 'queue:' .. queue, id)
	if status == 'PENDING' then
		redis.call('ZADD', prefix .. 'pending:' .. queue, pending_score(task), id)
	elseif status == 'SCHEDULED' then
		local due = tonumber(redis.call('HGET', task, 'scheduled_for')) or 0
		redis.call('ZADD', prefix .. 'scheduled', due, id)
	elseif status == 'PROCESSING' then
		local started = tonumber(redis.call('HGET', task, 'started_at')) or 0
		redis.call('ZADD', prefix .. 'processing', started, id)
	end
end

local function deindex(prefix, task, id)
	local status = redis.call('HGET', task, 'status')
	local queue = redis.call('HGET', task, 'queue')
	if status then
		redis.call('SREM', prefix .. 'status:' .. status, id)
	end
	if queue then
		redis.call('ZREM', prefix .. 'pending:' .. queue, id)
		redis.call('SREM', prefix .. 'queue:' .. queue, id)
	end
	redis.call('ZREM', prefix .. 'scheduled', id)
	redis.call('ZREM', prefix .. 'processing', id)
end
`

// writeScript inserts or replaces a task hash and rebuilds its indexes.
// Keys: none (keys derived from prefix; single-node layout)
// Args: prefix, id, mode("save"|"update"), field1, value1, ...
// Returns: 1 on write, 0 when mode=update and the task does not exist
var writeScript = redis.NewScript(luaHelpers + `
local prefix = ARGV[1]
local id = ARGV[2]
local task = prefix .. 'task:' .. id
if ARGV[3] == 'update' and redis.call('EXISTS', task) == 0 then
	return 0
end
deindex(prefix, task, id)
redis.call('DEL', task)
for i = 4, #ARGV - 1, 2 do
	redis.call('HSET', task, ARGV[i], ARGV[i + 1])
end
index_for_status(prefix, task, id)
return 1
`)

// claimScript atomically pops the best pending task on a queue and marks
// it PROCESSING.
// Keys: pending zset for the queue
// Args: prefix, now_millis, worker_id
// Returns: task id, or false when nothing is claimable
var claimScript = redis.NewScript(luaHelpers + `
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
	return false
end
local id = popped[1]
local score = popped[2]
local prefix = ARGV[1]
local now = tonumber(ARGV[2])
local task = prefix .. 'task:' .. id

if redis.call('HGET', task, 'status') ~= 'PENDING' then
	return false
end
local due = tonumber(redis.call('HGET', task, 'scheduled_for')) or 0
if due > now then
	redis.call('ZADD', KEYS[1], score, id)
	return false
end

redis.call('HSET', task, 'status', 'PROCESSING', 'worker_id', ARGV[3], 'started_at', ARGV[2])
redis.call('SMOVE', prefix .. 'status:PENDING', prefix .. 'status:PROCESSING', id)
redis.call('ZADD', prefix .. 'processing', now, id)
return id
`)

// releaseStaleScript resets PROCESSING tasks started before the cutoff
// back to PENDING.
// Keys: processing zset
// Args: prefix, cutoff_millis
// Returns: number of tasks released
var releaseStaleScript = redis.NewScript(luaHelpers + `
local prefix = ARGV[1]
local cutoff = tonumber(ARGV[2])
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. cutoff)
local released = 0
for _, id in ipairs(ids) do
	local task = prefix .. 'task:' .. id
	if redis.call('HGET', task, 'status') == 'PROCESSING' then
		redis.call('HSET', task, 'status', 'PENDING')
		redis.call('HDEL', task, 'worker_id', 'started_at')
		redis.call('SMOVE', prefix .. 'status:PROCESSING', prefix .. 'status:PENDING', id)
		local queue = redis.call('HGET', task, 'queue')
		redis.call('ZADD', prefix .. 'pending:' .. queue, pending_score(task), id)
		released = released + 1
	end
	redis.call('ZREM', KEYS[1], id)
end
return released
`)

// deleteScript removes one task hash and all its index entries.
// Keys: none
// Args: prefix, id
// Returns: 1 when deleted
var deleteScript = redis.NewScript(luaHelpers + `
local prefix = ARGV[1]
local id = ARGV[2]
local task = prefix .. 'task:' .. id
if redis.call('EXISTS', task) == 0 then
	return 0
end
deindex(prefix, task, id)
redis.call('DEL', task)
return 1
`)

// NewRedisStore wraps the client as a task store. The store owns the
// client; Close closes it. Prefix defaults to "trellis:tasks:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "trellis:tasks:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) taskKey(id string) string   { return r.prefix + "task:" + id }
func (r *RedisStore) pendingKey(q string) string { return r.prefix + "pending:" + q }
func (r *RedisStore) statusKey(s Status) string  { return r.prefix + "status:" + string(s) }
func (r *RedisStore) queueKey(q string) string   { return r.prefix + "queue:" + q }
func (r *RedisStore) scheduledKey() string       { return r.prefix + "scheduled" }
func (r *RedisStore) processingKey() string      { return r.prefix + "processing" }

func (r *RedisStore) Save(ctx context.Context, t *Task) error {
	args := append([]any{r.prefix, t.ID, "save"}, taskFields(t)...)
	if err := writeScript.Run(ctx, r.client, nil, args...).Err(); err != nil {
		return fmt.Errorf("tasks: redis save %s: %w", t.ID, err)
	}
	return nil
}

func (r *RedisStore) Update(ctx context.Context, t *Task) error {
	args := append([]any{r.prefix, t.ID, "update"}, taskFields(t)...)
	n, err := writeScript.Run(ctx, r.client, nil, args...).Int()
	if err != nil {
		return fmt.Errorf("tasks: redis update %s: %w", t.ID, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *RedisStore) GetByID(ctx context.Context, id string) (*Task, error) {
	fields, err := r.client.HGetAll(ctx, r.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("tasks: redis get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return taskFromFields(id, fields)
}

func (r *RedisStore) ClaimNext(ctx context.Context, queue, workerID string) (*Task, error) {
	now := time.Now().UnixMilli()
	res, err := claimScript.Run(ctx, r.client, []string{r.pendingKey(queue)},
		r.prefix, now, workerID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: redis claim: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

func (r *RedisStore) GetByStatus(ctx context.Context, status Status, limit int) ([]*Task, error) {
	var ids []string
	var err error
	if status == StatusScheduled {
		// The scheduled zset already orders by due time.
		rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
		if limit > 0 {
			rng.Count = int64(limit)
		}
		ids, err = r.client.ZRangeByScore(ctx, r.scheduledKey(), rng).Result()
	} else {
		ids, err = r.client.SMembers(ctx, r.statusKey(status)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: redis list %s: %w", status, err)
	}

	out, err := r.loadTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	if status != StatusScheduled {
		sortByDue(out)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RedisStore) GetByQueue(ctx context.Context, queue string, limit int) ([]*Task, error) {
	ids, err := r.client.SMembers(ctx, r.queueKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("tasks: redis list queue %s: %w", queue, err)
	}
	out, err := r.loadTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// loadTasks pipelines HGETALL for a batch of ids, skipping records that
// vanished between the index read and the fetch.
func (r *RedisStore) loadTasks(ctx context.Context, ids []string) ([]*Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	pipe := r.client.Pipeline()
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("tasks: redis load batch: %w", err)
	}

	out := make([]*Task, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		t, err := taskFromFields(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		ids, err := r.client.SMembers(ctx, r.statusKey(status)).Result()
		if err != nil {
			return deleted, fmt.Errorf("tasks: redis delete scan: %w", err)
		}
		for _, id := range ids {
			done, err := r.client.HGet(ctx, r.taskKey(id), "completed_at").Int64()
			if err != nil {
				continue
			}
			if time.UnixMilli(done).Before(cutoff) {
				n, err := deleteScript.Run(ctx, r.client, nil, r.prefix, id).Int()
				if err != nil {
					return deleted, fmt.Errorf("tasks: redis delete %s: %w", id, err)
				}
				deleted += n
			}
		}
	}
	return deleted, nil
}

func (r *RedisStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	statuses := []Status{StatusPending, StatusScheduled, StatusProcessing,
		StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying}

	cmds := make([]*redis.IntCmd, len(statuses))
	pipe := r.client.Pipeline()
	for i, s := range statuses {
		cmds[i] = pipe.SCard(ctx, r.statusKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("tasks: redis count: %w", err)
	}

	out := make(map[Status]int, len(statuses))
	for i, s := range statuses {
		if n := cmds[i].Val(); n > 0 {
			out[s] = int(n)
		}
	}
	return out, nil
}

func (r *RedisStore) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := releaseStaleScript.Run(ctx, r.client, []string{r.processingKey()},
		r.prefix, cutoff.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("tasks: redis release stale: %w", err)
	}
	return n, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

// taskFields flattens a task into HSET field/value pairs. Times are unix
// millis; zero-valued optionals are omitted so HGET returns nil for them.
func taskFields(t *Task) []any {
	fields := []any{
		"name", t.Name,
		"queue", t.Queue,
		"status", string(t.Status),
		"priority", strconv.Itoa(int(t.Priority)),
		"created_at", strconv.FormatInt(t.CreatedAt.UnixMilli(), 10),
		"scheduled_for", strconv.FormatInt(t.ScheduledFor.UnixMilli(), 10),
		"retry_count", strconv.Itoa(t.RetryCount),
		"max_retries", strconv.Itoa(t.MaxRetries),
		"timeout_millis", strconv.FormatInt(t.Timeout.Milliseconds(), 10),
	}
	if len(t.Args) > 0 {
		fields = append(fields, "args", string(t.Args))
	}
	if len(t.Result) > 0 {
		fields = append(fields, "result", string(t.Result))
	}
	if t.StartedAt != nil {
		fields = append(fields, "started_at", strconv.FormatInt(t.StartedAt.UnixMilli(), 10))
	}
	if t.CompletedAt != nil {
		fields = append(fields, "completed_at", strconv.FormatInt(t.CompletedAt.UnixMilli(), 10))
	}
	if t.Error != "" {
		fields = append(fields, "error", t.Error)
	}
	if t.StackTrace != "" {
		fields = append(fields, "stack_trace", t.StackTrace)
	}
	if t.WorkerID != "" {
		fields = append(fields, "worker_id", t.WorkerID)
	}
	if len(t.Metadata) > 0 {
		meta, err := encodeMetadata(t.Metadata)
		if err == nil && meta != nil {
			fields = append(fields, "metadata", *meta)
		}
	}
	return fields
}

func taskFromFields(id string, fields map[string]string) (*Task, error) {
	t := &Task{
		ID:       id,
		Name:     fields["name"],
		Queue:    fields["queue"],
		Status:   Status(fields["status"]),
		Error:    fields["error"],
		WorkerID: fields["worker_id"],
	}
	if v := fields["args"]; v != "" {
		t.Args = []byte(v)
	}
	if v := fields["result"]; v != "" {
		t.Result = []byte(v)
	}
	if v := fields["stack_trace"]; v != "" {
		t.StackTrace = v
	}

	var err error
	if t.Priority, err = parsePriority(fields["priority"]); err != nil {
		return nil, fmt.Errorf("tasks: redis decode %s: %w", id, err)
	}
	for _, f := range []struct {
		key  string
		dst  *time.Time
		opt  bool
		dstP **time.Time
	}{
		{key: "created_at", dst: &t.CreatedAt},
		{key: "scheduled_for", dst: &t.ScheduledFor},
		{key: "started_at", opt: true, dstP: &t.StartedAt},
		{key: "completed_at", opt: true, dstP: &t.CompletedAt},
	} {
		v, ok := fields[f.key]
		if !ok || v == "" {
			if !f.opt {
				return nil, fmt.Errorf("tasks: redis decode %s: missing %s", id, f.key)
			}
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tasks: redis decode %s: bad %s: %w", id, f.key, err)
		}
		if f.opt {
			ts := time.UnixMilli(ms)
			*f.dstP = &ts
		} else {
			*f.dst = time.UnixMilli(ms)
		}
	}

	if v := fields["retry_count"]; v != "" {
		if t.RetryCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("tasks: redis decode %s: bad retry_count: %w", id, err)
		}
	}
	if v := fields["max_retries"]; v != "" {
		if t.MaxRetries, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("tasks: redis decode %s: bad max_retries: %w", id, err)
		}
	}
	if v := fields["timeout_millis"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tasks: redis decode %s: bad timeout_millis: %w", id, err)
		}
		t.Timeout = time.Duration(ms) * time.Millisecond
	}
	if v := fields["metadata"]; v != "" {
		if err := decodeMetadata(v, &t.Metadata); err != nil {
			return nil, fmt.Errorf("tasks: redis decode %s: %w", id, err)
		}
	}
	return t, nil
}

func parsePriority(v string) (Priority, error) {
	if v == "" {
		return PriorityNormal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad priority: %w", err)
	}
	return Priority(n), nil
}

func sortByDue(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].ScheduledFor.Equal(ts[j].ScheduledFor) {
			return ts[i].ScheduledFor.Before(ts[j].ScheduledFor)
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func sortNewestFirst(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].CreatedAt.After(ts[j].CreatedAt)
	})
}
