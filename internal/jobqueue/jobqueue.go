// Package jobqueue implements the append-only stream job queue over Redis
// Streams: one stream per (guild, job type), consumer-group delivery with
// claim-before-read crash recovery, and at-least-once ack+delete semantics.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamPrefix = "jobs"
	groupName    = "workers"

	// defaultMinIdle is the minimum idle time before a pending entry is
	// eligible for reclaim by another consumer.
	defaultMinIdle = 60 * time.Second
)

// Queue wraps a Redis client with the stream-naming and consumer-group
// conventions used by the job queue.
type Queue struct {
	client   *redis.Client
	maxLen   int64
	consumer string
}

// New constructs a Queue against client, trimming streams to approximately
// maxLen entries on append, and identifying this process as consumer in
// XREADGROUP calls.
func New(client *redis.Client, maxLen int64, consumer string) *Queue {
	return &Queue{client: client, maxLen: maxLen, consumer: consumer}
}

// StreamName returns the stream key for a (guildId, jobType) pair.
func StreamName(guildID, jobType string) string {
	return fmt.Sprintf("%s:guild:%s:%s", streamPrefix, guildID, jobType)
}

// Message is one entry read back from a stream.
type Message struct {
	Stream string
	ID     string
	Fields map[string]string
}

// Append adds a job payload to the stream for (guildId, jobType), creating
// the stream's consumer group lazily if it does not yet exist. fields
// should include the serialized job body plus the indexed fields
// guild_id/channel_id/job_type/job_id used for operator filtering.
func (q *Queue) Append(ctx context.Context, guildID, jobType string, fields map[string]string) (string, error) {
	stream := StreamName(guildID, jobType)

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("appending to stream %s: %w", stream, err)
	}

	if err := q.ensureGroup(ctx, stream); err != nil {
		return "", err
	}

	return id, nil
}

// ensureGroup creates the consumer group for stream if it does not already
// exist, tolerating the BUSYGROUP error from a concurrent creator.
func (q *Queue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group on %s: %w", stream, err)
	}
	return nil
}

// ReadCycle performs one read cycle across streams: it first attempts to
// claim pending entries idle longer than minIdle (reassigning crashed
// consumers' work), and if that yields nothing, reads new entries, blocking
// up to blockDuration. Priority always goes to reclaiming pending work.
func (q *Queue) ReadCycle(ctx context.Context, streams []string, count int64, blockDuration time.Duration, minIdle time.Duration) ([]Message, error) {
	if minIdle <= 0 {
		minIdle = defaultMinIdle
	}

	for _, stream := range streams {
		if err := q.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}
	}

	claimed, err := q.claimPending(ctx, streams, count, minIdle)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	return q.readNew(ctx, streams, count, blockDuration)
}

func (q *Queue) claimPending(ctx context.Context, streams []string, count int64, minIdle time.Duration) ([]Message, error) {
	var out []Message

	for _, stream := range streams {
		pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  groupName,
			Start:  "-",
			End:    "+",
			Count:  count,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("listing pending entries on %s: %w", stream, err)
		}

		var ids []string
		for _, p := range pending {
			if p.Idle >= minIdle {
				ids = append(ids, p.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    groupName,
			Consumer: q.consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("claiming pending entries on %s: %w", stream, err)
		}

		for _, m := range claimed {
			out = append(out, Message{Stream: stream, ID: m.ID, Fields: stringifyValues(m.Values)})
		}

		if int64(len(out)) >= count {
			break
		}
	}

	return out, nil
}

func (q *Queue) readNew(ctx context.Context, streams []string, count int64, block time.Duration) ([]Message, error) {
	args := make([]string, 0, len(streams)*2)
	for _, s := range streams {
		args = append(args, s)
	}
	for range streams {
		args = append(args, ">")
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: q.consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading new entries: %w", err)
	}

	var out []Message
	for _, stream := range res {
		for _, m := range stream.Messages {
			out = append(out, Message{Stream: stream.Stream, ID: m.ID, Fields: stringifyValues(m.Values)})
		}
	}
	return out, nil
}

// Ping checks connectivity to the Redis server backing the queue.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Ack acknowledges and deletes a message, so memory follows consumption.
func (q *Queue) Ack(ctx context.Context, stream, id string) error {
	if err := q.client.XAck(ctx, stream, groupName, id).Err(); err != nil {
		return fmt.Errorf("acking message %s on %s: %w", id, stream, err)
	}
	if err := q.client.XDel(ctx, stream, id).Err(); err != nil {
		return fmt.Errorf("deleting message %s on %s: %w", id, stream, err)
	}
	return nil
}

// EncodeJob serializes job to a single "job" field, suitable as the
// fields argument to Append. Callers typically add their own indexed
// fields (guild_id, channel_id, job_type, job_id) alongside it for operator
// filtering via PeekJobs.
func EncodeJob(job any) (map[string]string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}
	return map[string]string{"job": string(b)}, nil
}

// DecodeJob deserializes the "job" field of fields into out.
func DecodeJob(fields map[string]string, out any) error {
	payload, ok := fields["job"]
	if !ok {
		return fmt.Errorf("decoding job: no job field")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decoding job: %w", err)
	}
	return nil
}

func stringifyValues(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
