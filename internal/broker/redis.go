// Copyright 2025 The FlakeGuard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// Redis layout, all under the fg: prefix.
//
//	fg:job:{id}              hash: body and mutable delivery state
//	fg:idem:{kind}:{key}     enqueue dedupe, value is the job id
//	fg:{kind}:g:{okey}       list of job ids, FIFO per ordering key
//	fg:{kind}:k:{okey}       ordering-key marker: ready|active|blocked
//	fg:{kind}:ready:{prio}   list of ordering keys with runnable work
//	fg:{kind}:delayed        zset of job ids scored by ready time (ms)
//	fg:{kind}:leased         zset of job ids scored by lease deadline (ms)
//	fg:{kind}:dead           list of dead-lettered job ids
//
// A key's marker exists iff the key has pending or in-flight work:
// "ready" when listed in a ready list, "active" while one of its jobs
// is leased, "blocked" while its head job waits out a retry backoff.
// Blocked keys serve nothing until the delayed job returns to the head
// of the group, which keeps per-key delivery order across retries.

const (
	markerReady   = "ready"
	markerActive  = "active"
	markerBlocked = "blocked"

	idemTTL      = 24 * time.Hour
	promoteBatch = 128
)

func jobKey(id string) string                 { return "fg:job:" + id }
func idemKey(kind, key string) string         { return "fg:idem:" + kind + ":" + key }
func groupKey(kind, okey string) string       { return "fg:" + kind + ":g:" + okey }
func markerKey(kind, okey string) string      { return "fg:" + kind + ":k:" + okey }
func readyKey(kind string, p Priority) string { return "fg:" + kind + ":ready:" + string(p) }
func delayedKey(kind string) string           { return "fg:" + kind + ":delayed" }
func leasedKey(kind string) string            { return "fg:" + kind + ":leased" }
func deadKey(kind string) string              { return "fg:" + kind + ":dead" }

// RedisBroker is a Broker over a single Redis database. Queue state
// lives entirely in Redis; the broker itself holds no job data, so an
// enqueued job survives process restart. Safe for concurrent use.
type RedisBroker struct {
	rdb        *redis.Client
	visibility time.Duration

	// mu serializes the multi-command scheduling sequences. Command
	// batches are additionally wrapped in MULTI/EXEC so a crash cannot
	// apply half of one.
	mu sync.Mutex
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker returns a broker over rdb. A visibility of 0 means
// DefaultVisibilityTimeout.
func NewRedisBroker(rdb *redis.Client, visibility time.Duration) *RedisBroker {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &RedisBroker{rdb: rdb, visibility: visibility}
}

// Ping reports whether the queue store is reachable.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return errors.Annotate(err, "pinging broker").Tag(transient.Tag).Err()
	}
	return nil
}

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, kind string, payload []byte, opts Options) (string, error) {
	if kind == "" {
		return "", errors.Reason("job kind is required").Err()
	}
	opts = opts.withDefaults()

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	if opts.IdempotencyKey != "" {
		set, err := b.rdb.SetNX(ctx, idemKey(kind, opts.IdempotencyKey), id, idemTTL).Result()
		if err != nil {
			return "", annTransient(err, "reserving idempotency key")
		}
		if !set {
			prev, err := b.rdb.Get(ctx, idemKey(kind, opts.IdempotencyKey)).Result()
			switch {
			case err == nil && prev != "":
				return prev, nil
			case err != nil && err != redis.Nil:
				return "", annTransient(err, "reading idempotency key")
			}
			// The reservation expired between SETNX and GET; enqueue fresh.
		}
	}

	okey := opts.OrderingKey
	if okey == "" {
		okey = id
	}
	now := clock.Now(ctx).UTC()
	j := &Job{
		ID:             id,
		Kind:           kind,
		Payload:        payload,
		Priority:       opts.Priority,
		OrderingKey:    okey,
		IdempotencyKey: opts.IdempotencyKey,
		MaxAttempts:    opts.MaxAttempts,
		Backoff:        opts.Backoff,
		EnqueuedAt:     now,
	}

	if opts.Delay > 0 {
		_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeJob(ctx, pipe, j)
			pipe.ZAdd(ctx, delayedKey(kind), redis.Z{Score: msScore(now.Add(opts.Delay)), Member: id})
			return nil
		})
		if err != nil {
			b.releaseIdem(ctx, kind, opts.IdempotencyKey)
			return "", annTransient(err, "enqueueing delayed job")
		}
		return id, nil
	}

	state, err := b.markerState(ctx, kind, okey)
	if err != nil {
		b.releaseIdem(ctx, kind, opts.IdempotencyKey)
		return "", err
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeJob(ctx, pipe, j)
		pipe.RPush(ctx, groupKey(kind, okey), id)
		if state == "" {
			pipe.Set(ctx, markerKey(kind, okey), markerReady, 0)
			pipe.RPush(ctx, readyKey(kind, opts.Priority), okey)
		}
		return nil
	})
	if err != nil {
		b.releaseIdem(ctx, kind, opts.IdempotencyKey)
		return "", annTransient(err, "enqueueing job")
	}
	return id, nil
}

// releaseIdem frees an idempotency reservation after the enqueue it
// guarded failed, so a retry of the same delivery can enqueue again.
// Best effort; errors are discarded.
func (b *RedisBroker) releaseIdem(ctx context.Context, kind, key string) {
	if key == "" {
		return
	}
	_ = b.rdb.Del(ctx, idemKey(kind, key)).Err()
}

// Reserve implements Broker.
func (b *RedisBroker) Reserve(ctx context.Context, kind string) (*Job, *Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := clock.Now(ctx).UTC()
	if err := b.promoteDue(ctx, kind, now); err != nil {
		return nil, nil, err
	}
	if err := b.reclaimExpired(ctx, kind, now); err != nil {
		return nil, nil, err
	}

	for _, p := range priorities {
		for {
			okey, err := b.rdb.LPop(ctx, readyKey(kind, p)).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return nil, nil, annTransient(err, "popping ready key")
			}
			id, err := b.rdb.LPop(ctx, groupKey(kind, okey)).Result()
			if err == redis.Nil {
				// A drained key; clear its marker and keep scanning.
				if err := b.rdb.Del(ctx, markerKey(kind, okey)).Err(); err != nil {
					return nil, nil, annTransient(err, "clearing drained key")
				}
				continue
			}
			if err != nil {
				return nil, nil, annTransient(err, "popping job")
			}
			j, _, err := b.readJob(ctx, id)
			if err != nil {
				b.restorePopped(ctx, kind, p, okey, id)
				return nil, nil, err
			}
			if j == nil {
				// Body lost; drop the reference and requeue the key.
				if err := b.finishKey(ctx, kind, okey); err != nil {
					return nil, nil, err
				}
				continue
			}

			token := uuid.NewString()
			deadline := now.Add(b.visibility)
			_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, markerKey(kind, okey), markerActive, 0)
				pipe.HSet(ctx, jobKey(id), "token", token)
				pipe.HIncrBy(ctx, jobKey(id), "attempt", 1)
				pipe.ZAdd(ctx, leasedKey(kind), redis.Z{Score: msScore(deadline), Member: id})
				return nil
			})
			if err != nil {
				b.restorePopped(ctx, kind, p, okey, id)
				return nil, nil, annTransient(err, "leasing job")
			}
			j.Attempt++
			return j, &Lease{Kind: kind, JobID: id, Token: token, Deadline: deadline}, nil
		}
	}
	return nil, nil, ErrNoJob
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, l *Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.leasedJob(ctx, l)
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, leasedKey(l.Kind), l.JobID)
		pipe.Del(ctx, jobKey(l.JobID))
		return nil
	})
	if err != nil {
		return annTransient(err, "acking job")
	}
	return b.finishKey(ctx, l.Kind, j.OrderingKey)
}

// Fail implements Broker.
func (b *RedisBroker) Fail(ctx context.Context, l *Lease, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.leasedJob(ctx, l)
	if err != nil {
		return err
	}
	if j.Attempt >= j.MaxAttempts {
		return b.bury(ctx, l, j, reason)
	}

	now := clock.Now(ctx).UTC()
	readyAt := now.Add(nextDelay(ctx, j.Attempt, j.Backoff))
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, leasedKey(l.Kind), l.JobID)
		pipe.HSet(ctx, jobKey(l.JobID), "token", "", "last_error", reason)
		pipe.ZAdd(ctx, delayedKey(l.Kind), redis.Z{Score: msScore(readyAt), Member: l.JobID})
		// The key stays blocked until the retry returns to the head of
		// its group, so later jobs of the key cannot overtake it.
		pipe.Set(ctx, markerKey(l.Kind, j.OrderingKey), markerBlocked, 0)
		return nil
	})
	if err != nil {
		return annTransient(err, "scheduling retry")
	}
	return nil
}

// Kill implements Broker.
func (b *RedisBroker) Kill(ctx context.Context, l *Lease, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.leasedJob(ctx, l)
	if err != nil {
		return err
	}
	return b.bury(ctx, l, j, reason)
}

// Stats are coarse queue gauges for health and metrics sampling.
// ReadyKeys counts ordering keys with runnable work, not jobs.
type Stats struct {
	ReadyKeys int64
	Delayed   int64
	Leased    int64
	Dead      int64
}

// Stats reports gauges for one job kind.
func (b *RedisBroker) Stats(ctx context.Context, kind string) (Stats, error) {
	var (
		ready   [4]*redis.IntCmd
		delayed *redis.IntCmd
		leased  *redis.IntCmd
		dead    *redis.IntCmd
	)
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range priorities {
			ready[i] = pipe.LLen(ctx, readyKey(kind, p))
		}
		delayed = pipe.ZCard(ctx, delayedKey(kind))
		leased = pipe.ZCard(ctx, leasedKey(kind))
		dead = pipe.LLen(ctx, deadKey(kind))
		return nil
	})
	if err != nil {
		return Stats{}, annTransient(err, "reading queue stats")
	}
	var s Stats
	for _, c := range ready {
		s.ReadyKeys += c.Val()
	}
	s.Delayed = delayed.Val()
	s.Leased = leased.Val()
	s.Dead = dead.Val()
	return s, nil
}

// DeadLetters returns up to limit dead-lettered jobs of a kind, oldest
// first. Job bodies are retained when dead-lettered.
func (b *RedisBroker) DeadLetters(ctx context.Context, kind string, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := b.rdb.LRange(ctx, deadKey(kind), 0, limit-1).Result()
	if err != nil {
		return nil, annTransient(err, "listing dead letters")
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, _, err := b.readJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j != nil {
			out = append(out, j)
		}
	}
	return out, nil
}

// leasedJob loads the job for a lease and verifies the lease still
// holds it.
func (b *RedisBroker) leasedJob(ctx context.Context, l *Lease) (*Job, error) {
	j, token, err := b.readJob(ctx, l.JobID)
	if err != nil {
		return nil, err
	}
	if j == nil || token == "" || token != l.Token {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (b *RedisBroker) bury(ctx context.Context, l *Lease, j *Job, reason string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, leasedKey(l.Kind), l.JobID)
		pipe.HSet(ctx, jobKey(l.JobID), "token", "", "last_error", reason)
		pipe.RPush(ctx, deadKey(l.Kind), l.JobID)
		return nil
	})
	if err != nil {
		return annTransient(err, "dead-lettering job")
	}
	return b.finishKey(ctx, l.Kind, j.OrderingKey)
}

// finishKey re-readies an ordering key after its in-flight job settled,
// or clears the marker when the key has no pending work left.
func (b *RedisBroker) finishKey(ctx context.Context, kind, okey string) error {
	head, err := b.rdb.LIndex(ctx, groupKey(kind, okey), 0).Result()
	if err == redis.Nil {
		if err := b.rdb.Del(ctx, markerKey(kind, okey)).Err(); err != nil {
			return annTransient(err, "clearing key marker")
		}
		return nil
	}
	if err != nil {
		return annTransient(err, "inspecting key head")
	}
	prio := PriorityNormal
	if p, err := b.rdb.HGet(ctx, jobKey(head), "priority").Result(); err == nil && p != "" {
		prio = Priority(p)
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, markerKey(kind, okey), markerReady, 0)
		pipe.RPush(ctx, readyKey(kind, prio), okey)
		return nil
	})
	if err != nil {
		return annTransient(err, "re-readying key")
	}
	return nil
}

// promoteDue moves delayed jobs whose ready time has passed into their
// groups. Retries go to the head of the group, fresh delayed jobs to
// the tail.
func (b *RedisBroker) promoteDue(ctx context.Context, kind string, now time.Time) error {
	due, err := b.rdb.ZRangeByScore(ctx, delayedKey(kind), &redis.ZRangeBy{
		Min: "-inf", Max: fmtMs(now), Count: promoteBatch,
	}).Result()
	if err != nil {
		return annTransient(err, "listing due jobs")
	}
	for _, id := range due {
		j, _, err := b.readJob(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			if err := b.rdb.ZRem(ctx, delayedKey(kind), id).Err(); err != nil {
				return annTransient(err, "dropping lost delayed job")
			}
			continue
		}
		state, err := b.markerState(ctx, kind, j.OrderingKey)
		if err != nil {
			return err
		}
		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, delayedKey(kind), id)
			if j.Attempt > 0 {
				pipe.LPush(ctx, groupKey(kind, j.OrderingKey), id)
			} else {
				pipe.RPush(ctx, groupKey(kind, j.OrderingKey), id)
			}
			if state == "" || state == markerBlocked {
				pipe.Set(ctx, markerKey(kind, j.OrderingKey), markerReady, 0)
				pipe.RPush(ctx, readyKey(kind, j.Priority), j.OrderingKey)
			}
			return nil
		})
		if err != nil {
			return annTransient(err, "promoting due job")
		}
	}
	return nil
}

// reclaimExpired returns jobs whose lease deadline has passed to the
// head of their groups for redelivery.
func (b *RedisBroker) reclaimExpired(ctx context.Context, kind string, now time.Time) error {
	expired, err := b.rdb.ZRangeByScore(ctx, leasedKey(kind), &redis.ZRangeBy{
		Min: "-inf", Max: fmtMs(now), Count: promoteBatch,
	}).Result()
	if err != nil {
		return annTransient(err, "listing expired leases")
	}
	for _, id := range expired {
		j, _, err := b.readJob(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			if err := b.rdb.ZRem(ctx, leasedKey(kind), id).Err(); err != nil {
				return annTransient(err, "dropping lost leased job")
			}
			continue
		}
		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, leasedKey(kind), id)
			pipe.HSet(ctx, jobKey(id), "token", "")
			pipe.LPush(ctx, groupKey(kind, j.OrderingKey), id)
			pipe.Set(ctx, markerKey(kind, j.OrderingKey), markerReady, 0)
			pipe.RPush(ctx, readyKey(kind, j.Priority), j.OrderingKey)
			return nil
		})
		if err != nil {
			return annTransient(err, "reclaiming expired lease")
		}
	}
	return nil
}

// restorePopped puts a job id and its ordering key back at the front of
// their lists after a reservation could not complete. Best effort;
// errors are discarded.
func (b *RedisBroker) restorePopped(ctx context.Context, kind string, p Priority, okey, id string) {
	_ = b.rdb.LPush(ctx, groupKey(kind, okey), id).Err()
	_ = b.rdb.LPush(ctx, readyKey(kind, p), okey).Err()
}

// markerState returns the ordering-key marker, or "" when the key is
// idle.
func (b *RedisBroker) markerState(ctx context.Context, kind, okey string) (string, error) {
	state, err := b.rdb.Get(ctx, markerKey(kind, okey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", annTransient(err, "reading key marker")
	}
	return state, nil
}

func writeJob(ctx context.Context, pipe redis.Pipeliner, j *Job) {
	pipe.HSet(ctx, jobKey(j.ID), map[string]interface{}{
		"kind":            j.Kind,
		"payload":         j.Payload,
		"priority":        string(j.Priority),
		"okey":            j.OrderingKey,
		"idem":            j.IdempotencyKey,
		"attempt":         j.Attempt,
		"max_attempts":    j.MaxAttempts,
		"backoff_base_ms": j.Backoff.Base.Milliseconds(),
		"backoff_cap_ms":  j.Backoff.Cap.Milliseconds(),
		"enqueued_at":     j.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		"token":           "",
		"last_error":      "",
	})
}

// readJob loads a job hash. A missing job returns (nil, "", nil).
func (b *RedisBroker) readJob(ctx context.Context, id string) (*Job, string, error) {
	m, err := b.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, "", annTransient(err, "reading job %s", id)
	}
	if len(m) == 0 {
		return nil, "", nil
	}
	attempt, err := atoiField(m, "attempt")
	if err != nil {
		return nil, "", err
	}
	maxAttempts, err := atoiField(m, "max_attempts")
	if err != nil {
		return nil, "", err
	}
	baseMs, err := atoiField(m, "backoff_base_ms")
	if err != nil {
		return nil, "", err
	}
	capMs, err := atoiField(m, "backoff_cap_ms")
	if err != nil {
		return nil, "", err
	}
	enqueued, err := time.Parse(time.RFC3339Nano, m["enqueued_at"])
	if err != nil {
		return nil, "", errors.Annotate(err, "job %s field enqueued_at", id).Err()
	}
	j := &Job{
		ID:             id,
		Kind:           m["kind"],
		Payload:        []byte(m["payload"]),
		Priority:       Priority(m["priority"]),
		OrderingKey:    m["okey"],
		IdempotencyKey: m["idem"],
		Attempt:        attempt,
		MaxAttempts:    maxAttempts,
		Backoff: Backoff{
			Base: time.Duration(baseMs) * time.Millisecond,
			Cap:  time.Duration(capMs) * time.Millisecond,
		},
		EnqueuedAt: enqueued,
		LastError:  m["last_error"],
	}
	return j, m["token"], nil
}

func atoiField(m map[string]string, field string) (int, error) {
	v, err := strconv.Atoi(m[field])
	if err != nil {
		return 0, errors.Annotate(err, "job field %s", field).Err()
	}
	return v, nil
}

func msScore(t time.Time) float64 { return float64(t.UnixMilli()) }

func fmtMs(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func annTransient(err error, msg string, args ...interface{}) error {
	return errors.Annotate(err, msg, args...).Tag(transient.Tag).Err()
}
