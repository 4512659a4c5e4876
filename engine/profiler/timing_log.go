package profiler

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"gonum.org/v1/gonum/stat"
)

// Summary describes the distribution of durations collected by a TimingLog.
type Summary struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	P50    time.Duration
	P95    time.Duration
	Min    time.Duration
	Max    time.Duration
}

// TimingLog is an append-only CSV writer for diagnostic timing rows.
// Durations passed to Observe are kept so a Summary can be computed when the run ends.
// It is safe for concurrent use.
type TimingLog struct {
	mu      sync.Mutex
	name    string
	w       *csv.Writer
	closer  io.Closer
	samples []float64
}

// NewTimingLog wraps w in a TimingLog. A nil writer produces a log that only collects samples.
//
// Parameters:
//   - name: label used when the summary is logged
//   - w: destination for CSV rows, may be nil
//
// Returns:
//   - *TimingLog: the timing log
func NewTimingLog(name string, w io.Writer) *TimingLog {
	t := &TimingLog{name: name}
	if w != nil {
		t.w = csv.NewWriter(w)
	}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// CreateTimingLog opens (or appends to) dir/<name>.csv. An empty dir yields a sample-only log.
//
// Parameters:
//   - dir: directory for the file, created if missing
//   - name: base name of the file without extension
//
// Returns:
//   - *TimingLog: the timing log
//   - error: error if the directory or file cannot be opened
func CreateTimingLog(dir, name string) (*TimingLog, error) {
	if dir == "" {
		return NewTimingLog(name, nil), nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create timing log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name+".csv"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open timing log: %w", err)
	}
	return NewTimingLog(name, f), nil
}

// Header writes the column names followed by a row of run parameters.
func (t *TimingLog) Header(columns []string, values ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	if err := t.w.Write(columns); err != nil {
		return err
	}
	if len(values) > 0 {
		if err := t.w.Write(formatRow(values)); err != nil {
			return err
		}
	}
	t.w.Flush()
	return t.w.Error()
}

// Row writes one CSV row.
func (t *TimingLog) Row(values ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	if err := t.w.Write(formatRow(values)); err != nil {
		return err
	}
	t.w.Flush()
	return t.w.Error()
}

// Observe records d for the summary.
func (t *TimingLog) Observe(d time.Duration) {
	t.mu.Lock()
	t.samples = append(t.samples, float64(d))
	t.mu.Unlock()
}

// Summary computes the distribution of the observed durations.
// An empty log returns the zero Summary.
func (t *TimingLog) Summary() Summary {
	t.mu.Lock()
	x := slices.Clone(t.samples)
	t.mu.Unlock()

	if len(x) == 0 {
		return Summary{}
	}
	slices.Sort(x)

	s := Summary{
		Count: len(x),
		Min:   time.Duration(x[0]),
		Max:   time.Duration(x[len(x)-1]),
		P50:   time.Duration(stat.Quantile(0.5, stat.Empirical, x, nil)),
		P95:   time.Duration(stat.Quantile(0.95, stat.Empirical, x, nil)),
	}
	mean, std := stat.MeanStdDev(x, nil)
	s.Mean = time.Duration(mean)
	if len(x) > 1 {
		s.StdDev = time.Duration(std)
	}
	return s
}

// Close logs the summary, flushes and closes the underlying file if the log owns one.
func (t *TimingLog) Close() error {
	s := t.Summary()
	if s.Count > 0 {
		logger.Logger().Info("timing summary",
			"log", t.name,
			"count", s.Count,
			"mean", s.Mean,
			"stddev", s.StdDev,
			"p50", s.P50,
			"p95", s.P95,
			"max", s.Max,
		)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w != nil {
		t.w.Flush()
	}
	if t.closer != nil {
		err := t.closer.Close()
		t.closer = nil
		return err
	}
	return nil
}

func formatRow(values []any) []string {
	row := make([]string, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case string:
			row[i] = x
		case time.Duration:
			row[i] = strconv.FormatFloat(float64(x)/float64(time.Millisecond), 'f', 6, 64)
		case float32:
			row[i] = strconv.FormatFloat(float64(x), 'g', -1, 32)
		case float64:
			row[i] = strconv.FormatFloat(x, 'g', -1, 64)
		case bool:
			row[i] = strconv.FormatBool(x)
		case fmt.Stringer:
			row[i] = x.String()
		default:
			row[i] = fmt.Sprint(x)
		}
	}
	return row
}
