// Package readiness polls HTTP endpoints until they answer with success or
// a fixed attempt budget is spent.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrNotReady is returned when a check spends its attempts without success.
var ErrNotReady = errors.New("service not ready")

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Check describes one endpoint to wait for. Wait returns within
// Retries * (Timeout + Delay).
type Check struct {
	Name    string
	URL     string
	Retries int
	Delay   time.Duration
	Timeout time.Duration
}

// Validate rejects checks that would not terminate or never probe.
func (c Check) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("check %q: url is required", c.Name)
	}
	if c.Retries < 1 {
		return fmt.Errorf("check %q: retries must be at least 1", c.Name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("check %q: timeout must be positive", c.Name)
	}
	if c.Delay < 0 {
		return fmt.Errorf("check %q: delay must not be negative", c.Name)
	}
	return nil
}

// Result is the outcome of waiting for one check.
type Result struct {
	Check      Check
	Ready      bool
	Attempts   int
	LastStatus int
	LastErr    error
	Refused    bool // at least one attempt saw connection refused
	Elapsed    time.Duration
}

// Err returns nil for a ready result and an error wrapping ErrNotReady
// otherwise.
func (r Result) Err() error {
	if r.Ready {
		return nil
	}
	if r.LastErr == nil {
		return fmt.Errorf("%w: %s (%s) after %d attempts", ErrNotReady, r.Check.Name, r.Check.URL, r.Attempts)
	}
	return fmt.Errorf("%w: %s (%s) after %d attempts: %v", ErrNotReady, r.Check.Name, r.Check.URL, r.Attempts, r.LastErr)
}

// Wait probes check.URL with GET requests through doer, at most
// check.Retries times with check.Delay between attempts. Each attempt is
// bounded by check.Timeout. Any transport error or non-2xx status is
// retried; the first 2xx response stops the loop.
func Wait(ctx context.Context, doer Doer, check Check) Result {
	res := Result{Check: check}
	if err := check.Validate(); err != nil {
		res.LastErr = err
		return res
	}
	start := time.Now()

	backoff := wait.Backoff{Duration: check.Delay, Factor: 1, Steps: check.Retries}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		res.Attempts++
		status, err := probe(ctx, doer, check)
		res.LastStatus = status
		res.LastErr = err
		if errors.Is(err, syscall.ECONNREFUSED) {
			res.Refused = true
		}
		return err == nil, nil
	})
	res.Ready = err == nil
	if err != nil && res.LastErr == nil {
		// cancelled before any attempt failed
		res.LastErr = err
	}
	res.Elapsed = time.Since(start)
	return res
}

func probe(ctx context.Context, doer Doer, check Check) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := doer.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Waiter runs checks one after another and logs their outcome.
type Waiter struct {
	client Doer
	log    logrus.FieldLogger
}

// NewWaiter returns a Waiter sending requests through client.
func NewWaiter(client Doer, log logrus.FieldLogger) *Waiter {
	return &Waiter{client: client, log: log}
}

// Wait waits for every check in order and stops at the first that is not
// ready. It returns the results gathered so far.
func (w *Waiter) Wait(ctx context.Context, checks ...Check) ([]Result, error) {
	results := make([]Result, 0, len(checks))
	for _, check := range checks {
		log := w.log.WithFields(logrus.Fields{"check": check.Name, "url": check.URL})
		log.Infof("Waiting for %s (%d attempts, %s apart)", check.Name, check.Retries, check.Delay)

		res := Wait(ctx, w.client, check)
		results = append(results, res)
		if err := res.Err(); err != nil {
			log.WithField("attempt", res.Attempts).Errorf("Not ready: %v", res.LastErr)
			if res.Refused {
				log.Warn("Connections were refused; is the node port exposed on the host?")
			}
			return results, err
		}
		log.WithField("attempt", res.Attempts).Infof("Ready after %s", res.Elapsed.Round(time.Millisecond))
	}
	return results, nil
}
