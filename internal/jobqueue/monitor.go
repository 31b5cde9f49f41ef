package jobqueue

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// StreamInfo summarizes one stream's backlog for the operator HTTP surface.
type StreamInfo struct {
	Stream        string
	Length        int64
	GuildID       string
	JobType       string
	PendingCount  int64
}

// PendingEntry describes one in-flight (claimed but not yet acked) message.
type PendingEntry struct {
	ID            string
	Consumer      string
	IdleMS        int64
	DeliveryCount int64
}

// ListStreams discovers every job stream via cursor-based SCAN over
// "jobs:*", iterated to completion rather than the blocking KEYS command.
func (q *Queue) ListStreams(ctx context.Context) ([]string, error) {
	var streams []string
	var cursor uint64

	for {
		keys, next, err := q.client.Scan(ctx, cursor, streamPrefix+":*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning for job streams: %w", err)
		}
		streams = append(streams, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return streams, nil
}

// StreamInfoFor returns backlog length and pending-entry count for stream.
func (q *Queue) StreamInfoFor(ctx context.Context, stream string) (*StreamInfo, error) {
	length, err := q.client.XLen(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("getting length of %s: %w", stream, err)
	}

	pendingSummary, err := q.client.XPending(ctx, stream, groupName).Result()
	var pendingCount int64
	if err == nil {
		pendingCount = pendingSummary.Count
	} else if err != redis.Nil {
		return nil, fmt.Errorf("getting pending summary of %s: %w", stream, err)
	}

	guildID, jobType := parseStreamName(stream)

	return &StreamInfo{
		Stream:       stream,
		Length:       length,
		GuildID:      guildID,
		JobType:      jobType,
		PendingCount: pendingCount,
	}, nil
}

// PeekJobs returns up to count raw entries from stream without claiming or
// acknowledging them, for operator inspection.
func (q *Queue) PeekJobs(ctx context.Context, stream string, count int64) ([]Message, error) {
	entries, err := q.client.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("peeking jobs on %s: %w", stream, err)
	}

	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, Message{Stream: stream, ID: e.ID, Fields: stringifyValues(e.Values)})
	}
	return out, nil
}

// PendingSummary lists the in-flight entries for stream.
func (q *Queue) PendingSummary(ctx context.Context, stream string, count int64) ([]PendingEntry, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  groupName,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("listing pending entries on %s: %w", stream, err)
	}

	out := make([]PendingEntry, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			IdleMS:        p.Idle.Milliseconds(),
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

// GuildJobStats aggregates backlog across all job types for one guild.
type GuildJobStats struct {
	GuildID      string
	TotalLength  int64
	TotalPending int64
	ByJobType    map[string]StreamInfo
}

// GuildJobStatsFor aggregates stream stats across all job types for guildID.
func (q *Queue) GuildJobStatsFor(ctx context.Context, guildID string) (*GuildJobStats, error) {
	var streams []string
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, fmt.Sprintf("%s:guild:%s:*", streamPrefix, guildID), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning streams for guild %s: %w", guildID, err)
		}
		streams = append(streams, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	stats := &GuildJobStats{GuildID: guildID, ByJobType: make(map[string]StreamInfo)}

	for _, stream := range streams {
		info, err := q.StreamInfoFor(ctx, stream)
		if err != nil {
			return nil, err
		}
		stats.TotalLength += info.Length
		stats.TotalPending += info.PendingCount
		stats.ByJobType[info.JobType] = *info
	}

	return stats, nil
}

// ParseStreamName extracts the guild id and job type encoded in a stream
// key, for callers that only have the stream name (e.g. a dispatch loop
// deciding how to route a claimed message).
func ParseStreamName(stream string) (guildID, jobType string) {
	return parseStreamName(stream)
}

func parseStreamName(stream string) (guildID, jobType string) {
	parts := strings.Split(stream, ":")
	if len(parts) != 4 || parts[0] != streamPrefix || parts[1] != "guild" {
		return "", ""
	}
	return parts[2], parts[3]
}
