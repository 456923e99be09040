package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

// Point is a single sampled value.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

var (
	mu       sync.Mutex
	storage  tstorage.Storage
	counters = make(map[string]int64)
)

// InitMetrics opens the embedded series storage under <workdir>/data/metrics.
func InitMetrics(workdir string) error {
	dir := filepath.Join(workdir, "data", "metrics")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	st, err := tstorage.NewStorage(
		tstorage.WithDataPath(dir),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7*24*time.Hour),
		tstorage.WithPartitionDuration(time.Hour),
	)
	if err != nil {
		return err
	}
	mu.Lock()
	storage = st
	mu.Unlock()
	return nil
}

func insert(name string, value float64) {
	mu.Lock()
	st := storage
	mu.Unlock()
	if st == nil {
		return
	}
	_ = st.InsertRows([]tstorage.Row{{
		Metric:    name,
		DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: value},
	}})
}

// SetGauge records the current value of a gauge.
func SetGauge(name string, value int64) {
	insert(name, float64(value))
}

// Incr adds delta to a counter and records its cumulative value.
func Incr(name string, delta int64) int64 {
	mu.Lock()
	counters[name] += delta
	v := counters[name]
	mu.Unlock()
	insert(name, float64(v))
	return v
}

// Counter returns the in-process value of a counter.
func Counter(name string) int64 {
	mu.Lock()
	defer mu.Unlock()
	return counters[name]
}

// Query returns the points of a metric recorded since the given time.
func Query(name string, since time.Time) ([]Point, error) {
	mu.Lock()
	st := storage
	mu.Unlock()
	if st == nil {
		return []Point{}, nil
	}
	dps, err := st.Select(name, nil, since.Unix(), time.Now().Unix()+1)
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return []Point{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(dps))
	for _, dp := range dps {
		out = append(out, Point{Timestamp: dp.Timestamp, Value: dp.Value})
	}
	return out, nil
}

// Close flushes and closes the storage.
func Close() error {
	mu.Lock()
	st := storage
	storage = nil
	mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Close()
}
