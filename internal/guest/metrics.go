package guest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// MetricsFileEnv names the file benchmark code appends metrics to. The init
// sets it for the benchmark command and reads the file after it exits.
const MetricsFileEnv = "BENCHJAIL_METRICS_FILE"

// DefaultMetricsFile lives on the guest's tmpfs.
const DefaultMetricsFile = "/tmp/benchjail-metrics.jsonl"

// RecordMetric appends one metric for the running benchmark. It is the API
// benchmark code uses and never touches the host channel directly.
func RecordMetric(name string, value float64, unit string) error {
	path := os.Getenv(MetricsFileEnv)
	if path == "" {
		return errors.New("not running under benchjail: " + MetricsFileEnv + " is unset")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(Metric{Name: name, Value: value, Unit: unit})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadMetrics parses JSON-lines metrics, reading at most limit bytes and
// MaxMetrics entries. Malformed lines are skipped and counted.
func ReadMetrics(r io.Reader, limit int64) ([]Metric, int, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, limit))
	scanner.Buffer(make([]byte, 0, 4096), 64<<10)

	var (
		metrics []Metric
		skipped int
	)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m Metric
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil || m.Name == "" {
			skipped++
			continue
		}
		if len(metrics) == MaxMetrics {
			skipped++
			continue
		}
		metrics = append(metrics, m)
	}
	return metrics, skipped, scanner.Err()
}
