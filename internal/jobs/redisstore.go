package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const jobKeyPrefix = "job:"

// maxApplyRetries bounds optimistic-lock retries when patches race on the
// same job.
const maxApplyRetries = 5

// RedisStore keeps job records in Redis hashes, one per job. Patches run
// under WATCH so concurrent consumers never interleave reads and writes on
// the same record.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRecordTTL expires job records after d. Zero keeps them forever.
func WithRecordTTL(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = d }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{rdb: rdb, now: time.Now}
	for _, f := range opts {
		f(s)
	}
	return s
}

func (s *RedisStore) key(jobKey string) string { return jobKeyPrefix + jobKey }

func (s *RedisStore) Create(ctx context.Context, jobKey string) (*Record, error) {
	key := s.key(jobKey)
	created, err := s.rdb.HSetNX(ctx, key, "state", string(StateQueued)).Result()
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", jobKey, err)
	}
	if created {
		now := s.now().UTC()
		fields := map[string]any{
			"progress":   "0",
			"updated_at": now.Format(time.RFC3339Nano),
		}
		if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
			return nil, fmt.Errorf("create job %s: %w", jobKey, err)
		}
		if s.ttl > 0 {
			_ = s.rdb.Expire(ctx, key, s.ttl).Err()
		}
	}
	return s.Get(ctx, jobKey)
}

func (s *RedisStore) Get(ctx context.Context, jobKey string) (*Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(jobKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobKey, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return recordFromFields(jobKey, fields)
}

func (s *RedisStore) Apply(ctx context.Context, jobKey string, p Patch) (*Record, bool, error) {
	key := s.key(jobKey)
	var (
		out     *Record
		applied bool
	)
	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return ErrJobNotFound
		}
		rec, err := recordFromFields(jobKey, fields)
		if err != nil {
			return err
		}
		next, changed := applyPatch(*rec, p, s.now().UTC())
		out, applied = &next, changed
		if !changed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, recordFields(next))
			if next.Error == "" {
				pipe.HDel(ctx, key, "error")
			}
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxApplyRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return out, applied, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, false, fmt.Errorf("apply patch to job %s: %w", jobKey, err)
		}
	}
	return nil, false, fmt.Errorf("apply patch to job %s: too many conflicts", jobKey)
}

func recordFields(r Record) map[string]any {
	fields := map[string]any{
		"state":      string(r.State),
		"progress":   strconv.FormatFloat(r.Progress, 'f', -1, 64),
		"updated_at": r.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	if len(r.Result) > 0 {
		fields["result"] = string(r.Result)
	}
	return fields
}

func recordFromFields(jobKey string, fields map[string]string) (*Record, error) {
	rec := &Record{
		JobKey: jobKey,
		State:  State(fields["state"]),
		Error:  fields["error"],
	}
	if v, ok := fields["progress"]; ok {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad progress %q", jobKey, v)
		}
		rec.Progress = p
	}
	if v, ok := fields["result"]; ok {
		rec.Result = []byte(v)
	}
	if v, ok := fields["updated_at"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad updated_at %q", jobKey, v)
		}
		rec.UpdatedAt = t
	}
	return rec, nil
}
