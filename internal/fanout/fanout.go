// Package fanout runs idempotent knowledge-graph reads with bounded
// parallelism, a per-call timeout and exponential-backoff retries.
//
// Retry policy:
//   - only transient failures are retried: transport errors, timeouts,
//     429 and 5xx upstream responses;
//   - 4xx responses and validation errors fail immediately;
//   - cancelling the parent context stops everything, retries included.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// ErrAllFailed is matched (errors.Is) by the error Each returns when
// every key failed.
var ErrAllFailed = errors.New("all fetches failed")

// Policy bounds a fan-out.
type Policy struct {
	MaxParallel    int
	PerCallTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxParallel:    8,
		PerCallTimeout: 30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

func (p Policy) parallelism() int {
	if p.MaxParallel <= 0 {
		return 1
	}
	return p.MaxParallel
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *kg.UpstreamError
	if errors.As(err, &ue) {
		return ue.Temporary()
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Do runs op under the policy: each attempt gets its own timeout and
// transient failures are retried with exponential backoff.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var out T
	attempt := func() error {
		callCtx, cancel := p.callContext(ctx)
		defer cancel()

		v, err := op(callCtx)
		if err == nil {
			out = v
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(attempt, p.backOff(ctx)); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (p Policy) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.PerCallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.PerCallTimeout)
}

// AllFailedError carries the per-key failures of a fan-out in which no
// key succeeded.
type AllFailedError struct {
	Failures map[string]error
}

func (e *AllFailedError) Error() string {
	keys := e.keys()
	if len(keys) == 0 {
		return ErrAllFailed.Error()
	}
	return fmt.Sprintf("%s (%d): first failure %s: %v", ErrAllFailed, len(keys), keys[0], e.Failures[keys[0]])
}

func (e *AllFailedError) Is(target error) bool { return target == ErrAllFailed }

// Unwrap exposes the first failure in key order so callers can match the
// underlying cause (e.g. *kg.UpstreamError).
func (e *AllFailedError) Unwrap() error {
	keys := e.keys()
	if len(keys) == 0 {
		return nil
	}
	return e.Failures[keys[0]]
}

func (e *AllFailedError) keys() []string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Each calls fn once per distinct key, at most p.MaxParallel at a time,
// each call going through Do. Results and failures are keyed, never
// ordered by completion.
//
// A key that exhausts its retries lands in failures and the others still
// succeed (degraded result). If every key fails the returned error is an
// *AllFailedError. If ctx is cancelled, Each returns ctx.Err() and no
// partial results.
func Each[T any](ctx context.Context, p Policy, keys []string, fn func(context.Context, string) (T, error)) (map[string]T, map[string]error, error) {
	unique := dedupe(keys)
	results := make(map[string]T, len(unique))
	failures := make(map[string]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism())
	for _, key := range unique {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			v, err := Do(gctx, p, func(c context.Context) (T, error) { return fn(c, key) })

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[key] = err
				return nil
			}
			results[key] = v
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(unique) > 0 && len(results) == 0 {
		return nil, failures, &AllFailedError{Failures: failures}
	}
	return results, failures, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
