package cluster

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/martius-lab/cluster-utils-go/internal/metrics"
)

const (
	submitMaxAttempts = 10
	submitTimeout     = 15 * time.Second
	baseBackoff       = 200 * time.Millisecond
	maxBackoff        = 5 * time.Second
)

// retrySubmit retries a submission call up to submitMaxAttempts times,
// waiting out an exponential backoff with jitter between attempts. Each
// attempt is expected to honor submitTimeout itself; retrySubmit does not
// pass it along, and the Condor and Slurm submit functions apply the
// constant directly as their command timeout.
func retrySubmit(attempt func() (string, error)) (string, error) {
	var lastErr error
	for i := 0; i < submitMaxAttempts; i++ {
		start := time.Now()
		id, err := attempt()
		metrics.GetMetrics().RecordBackendLatency("submit", time.Since(start))
		if err == nil {
			return id, nil
		}
		lastErr = err
		metrics.GetMetrics().RecordSubmissionRetry()
		if i == submitMaxAttempts-1 {
			break
		}
		time.Sleep(backoffWithJitter(i))
	}
	return "", lastErr
}

func backoffWithJitter(attempt int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(d)+1))
	if err != nil {
		return d
	}
	return time.Duration(jitter.Int64())
}
