// Package tally keeps live per-session attendance counts in Redis.
package tally

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"geopresence/internal/metrics"
	"geopresence/internal/queue"
)

const keyTTL = 48 * time.Hour

// Live is the current count for one session.
type Live struct {
	SessionID    int64      `json:"session_id"`
	Total        int64      `json:"total"`
	LastMarkedAt *time.Time `json:"last_marked_at,omitempty"`
}

// Store updates and reads tallies.
type Store struct {
	client *redis.Client
}

// NewStore creates a tally store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func sessionKey(id int64) string { return fmt.Sprintf("attendance:tally:session:%d", id) }

func studentsKey(id int64) string { return fmt.Sprintf("attendance:tally:session:%d:students", id) }

// applyScript counts a student once per session. Membership is added last so a failed increment
// leaves the student uncounted and a replay can still count it.
var applyScript = redis.NewScript(`
	local total, students = KEYS[1], KEYS[2]
	if redis.call('SISMEMBER', students, ARGV[1]) == 1 then
		return 0
	end
	redis.call('HINCRBY', total, 'total', 1)
	redis.call('HSET', total, 'last_marked_at', ARGV[2])
	redis.call('SADD', students, ARGV[1])
	redis.call('EXPIRE', total, ARGV[3])
	redis.call('EXPIRE', students, ARGV[3])
	return 1
`)

// removeScript uncounts a student whose attendance row was deleted.
var removeScript = redis.NewScript(`
	local total, students = KEYS[1], KEYS[2]
	if redis.call('SISMEMBER', students, ARGV[1]) == 0 then
		return 0
	end
	redis.call('HINCRBY', total, 'total', -1)
	redis.call('SREM', students, ARGV[1])
	return 1
`)

// Apply counts an admission once per (session, student); replays are ignored.
func (s *Store) Apply(ctx context.Context, evt queue.AttendanceMarked) (bool, error) {
	keys := []string{sessionKey(evt.SessionID), studentsKey(evt.SessionID)}
	n, err := applyScript.Run(ctx, s.client, keys,
		evt.StudentID, evt.MarkedAt.UTC().Format(time.RFC3339Nano), int64(keyTTL/time.Second)).Int()
	if err != nil {
		return false, fmt.Errorf("apply tally: %w", err)
	}
	return n == 1, nil
}

// Remove uncounts one student's admission. It reports false when the student was not counted.
func (s *Store) Remove(ctx context.Context, sessionID, studentID int64) (bool, error) {
	keys := []string{sessionKey(sessionID), studentsKey(sessionID)}
	n, err := removeScript.Run(ctx, s.client, keys, studentID).Int()
	if err != nil {
		return false, fmt.Errorf("remove from tally: %w", err)
	}
	return n == 1, nil
}

// Get returns the tally for a session; unknown sessions read as zero.
func (s *Store) Get(ctx context.Context, sessionID int64) (Live, error) {
	vals, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return Live{}, err
	}
	live := Live{SessionID: sessionID}
	if raw, ok := vals["total"]; ok {
		live.Total, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, ok := vals["last_marked_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			live.LastMarkedAt = &ts
		}
	}
	return live, nil
}

// Reset drops a session's tally, e.g. after its attendance was deleted.
func (s *Store) Reset(ctx context.Context, sessionID int64) error {
	return s.client.Del(ctx, sessionKey(sessionID), studentsKey(sessionID)).Err()
}

// Consume applies attendance events from q until ctx is done or the channel closes.
func Consume(ctx context.Context, q queue.Queue, s *Store, log *slog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	for msg := range messages {
		evt, err := queue.DecodeAttendanceMarked(msg)
		if err != nil {
			metrics.QueueEvents.WithLabelValues(msg.Type, "invalid").Inc()
			log.Warn("dropping queue message", "type", msg.Type, "error", err)
			continue
		}
		counted, err := s.Apply(ctx, evt)
		if err != nil {
			metrics.QueueEvents.WithLabelValues(msg.Type, "error").Inc()
			log.Error("tally update failed", "session_id", evt.SessionID, "error", err)
			continue
		}
		result := "counted"
		if !counted {
			result = "replayed"
		}
		metrics.QueueEvents.WithLabelValues(msg.Type, result).Inc()
		log.Debug("tally updated", "session_id", evt.SessionID, "student_id", evt.StudentID, "result", result)
	}
	return ctx.Err()
}
