// Package ratelimit provides the two token buckets that gate Transport
// calls: one for reads, one for writes. Acquisition holds for the
// entire request-plus-response and is released on every exit path,
// including errors and retries.
package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Default bucket sizes.
const (
	DefaultReadConcurrency  = 40
	DefaultWriteConcurrency = 80
)

// Direction selects which bucket a request draws from.
type Direction int

const (
	// Read is drawn by GET/HEAD.
	Read Direction = iota
	// Write is drawn by everything else.
	Write
)

// Limiter holds the read and write buckets for one client instance.
// Buckets are never shared across client instances: shared mutable
// state belongs on the client aggregate, never at module scope.
type Limiter struct {
	read  *semaphore.Weighted
	write *semaphore.Weighted

	readInUse  atomic.Int64
	writeInUse atomic.Int64
}

// New creates a Limiter with the given bucket sizes. A size <= 0 falls
// back to the default for that bucket.
func New(readConcurrency, writeConcurrency int) *Limiter {
	if readConcurrency <= 0 {
		readConcurrency = DefaultReadConcurrency
	}
	if writeConcurrency <= 0 {
		writeConcurrency = DefaultWriteConcurrency
	}
	return &Limiter{
		read:  semaphore.NewWeighted(int64(readConcurrency)),
		write: semaphore.NewWeighted(int64(writeConcurrency)),
	}
}

// DirectionForMethod maps an HTTP method to the bucket it draws from.
func DirectionForMethod(method string) Direction {
	switch method {
	case "GET", "HEAD":
		return Read
	default:
		return Write
	}
}

// Release is returned by Acquire; callers must defer it on every exit
// path (success, error, retry) to avoid starving the bucket.
type Release func()

// Acquire blocks until a token is available in the bucket matching
// dir, or ctx is cancelled. The returned Release must be called exactly
// once.
func (l *Limiter) Acquire(ctx context.Context, dir Direction) (Release, error) {
	bucket, counter := l.bucketFor(dir)
	if err := bucket.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	counter.Add(1)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		counter.Add(-1)
		bucket.Release(1)
	}, nil
}

func (l *Limiter) bucketFor(dir Direction) (*semaphore.Weighted, *atomic.Int64) {
	if dir == Read {
		return l.read, &l.readInUse
	}
	return l.write, &l.writeInUse
}

// InUse reports the number of tokens currently held in the bucket
// matching dir, for observability (e.g. logged alongside each request).
func (l *Limiter) InUse(dir Direction) int64 {
	_, counter := l.bucketFor(dir)
	return counter.Load()
}
