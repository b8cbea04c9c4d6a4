package usecase

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StatsKey is the redis hash holding aggregate verification counters.
const StatsKey = "faceverify:stats"

const (
	fieldTotal         = "total"
	fieldMatches       = "matches"
	fieldRejections    = "rejections"
	fieldFailures      = "failures"
	fieldSimilaritySum = "similarity_sum"
	fieldLatencyMsSum  = "latency_ms_sum"
	failurePrefix      = "failure:"
)

// Sample is one finished verification. Code is empty on success.
type Sample struct {
	Code       string
	IsMatch    bool
	Similarity float64
	Latency    time.Duration
}

// StatsRecorder keeps aggregate counters. Individual results are never
// stored.
type StatsRecorder interface {
	Record(ctx context.Context, sample Sample) error
	Counters(ctx context.Context) (Counters, error)
}

// Counters is a snapshot of the aggregate counters.
type Counters struct {
	Total         int64
	Matches       int64
	Rejections    int64
	Failures      int64
	FailureCodes  map[string]int64
	SimilaritySum float64
	LatencyMsSum  float64
}

// MemoryStats keeps counters in process.
type MemoryStats struct {
	mu       sync.Mutex
	counters Counters
}

func NewMemoryStats() *MemoryStats {
	return &MemoryStats{counters: Counters{FailureCodes: map[string]int64{}}}
}

func (m *MemoryStats) Record(_ context.Context, sample Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &m.counters
	c.Total++
	c.LatencyMsSum += latencyMs(sample.Latency)
	switch {
	case sample.Code != "":
		c.Failures++
		c.FailureCodes[sample.Code]++
	case sample.IsMatch:
		c.Matches++
		c.SimilaritySum += sample.Similarity
	default:
		c.Rejections++
		c.SimilaritySum += sample.Similarity
	}
	return nil
}

func (m *MemoryStats) Counters(context.Context) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.counters
	snapshot.FailureCodes = make(map[string]int64, len(m.counters.FailureCodes))
	for code, n := range m.counters.FailureCodes {
		snapshot.FailureCodes[code] = n
	}
	return snapshot, nil
}

// HashCounters is the subset of redisstore.Store used for stats. HIncr
// applies every field of one call or none of them.
type HashCounters interface {
	HIncr(ctx context.Context, key string, ints map[string]int64, floats map[string]float64) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// RedisStats keeps counters in a redis hash so every replica shares them.
type RedisStats struct {
	store HashCounters
	key   string
}

func NewRedisStats(store HashCounters) *RedisStats {
	return &RedisStats{store: store, key: StatsKey}
}

func (r *RedisStats) Record(ctx context.Context, sample Sample) error {
	ints := map[string]int64{fieldTotal: 1}
	floats := map[string]float64{fieldLatencyMsSum: latencyMs(sample.Latency)}

	switch {
	case sample.Code != "":
		ints[fieldFailures] = 1
		ints[failurePrefix+sample.Code] = 1
	case sample.IsMatch:
		ints[fieldMatches] = 1
		floats[fieldSimilaritySum] = sample.Similarity
	default:
		ints[fieldRejections] = 1
		floats[fieldSimilaritySum] = sample.Similarity
	}
	return r.store.HIncr(ctx, r.key, ints, floats)
}

func (r *RedisStats) Counters(ctx context.Context) (Counters, error) {
	values, err := r.store.HGetAll(ctx, r.key)
	if err != nil {
		return Counters{}, err
	}
	return parseCounters(values)
}

func parseCounters(values map[string]string) (Counters, error) {
	c := Counters{FailureCodes: map[string]int64{}}
	for field, raw := range values {
		var err error
		switch {
		case field == fieldTotal:
			c.Total, err = strconv.ParseInt(raw, 10, 64)
		case field == fieldMatches:
			c.Matches, err = strconv.ParseInt(raw, 10, 64)
		case field == fieldRejections:
			c.Rejections, err = strconv.ParseInt(raw, 10, 64)
		case field == fieldFailures:
			c.Failures, err = strconv.ParseInt(raw, 10, 64)
		case field == fieldSimilaritySum:
			c.SimilaritySum, err = strconv.ParseFloat(raw, 64)
		case field == fieldLatencyMsSum:
			c.LatencyMsSum, err = strconv.ParseFloat(raw, 64)
		case strings.HasPrefix(field, failurePrefix):
			var n int64
			n, err = strconv.ParseInt(raw, 10, 64)
			c.FailureCodes[strings.TrimPrefix(field, failurePrefix)] = n
		}
		if err != nil {
			return Counters{}, fmt.Errorf("parse stats field %s: %w", field, err)
		}
	}
	return c, nil
}

func latencyMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
