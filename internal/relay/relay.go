// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay forwards a completion stream to a caller one delta at a time.
//
// Run pulls deltas from a Source, writes each one to a Sink before asking for
// the next, and accumulates the full reply. The sink is opened lazily so a
// failure before the first delta leaves the caller's response untouched, and
// once opened it is always terminated exactly once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Source yields content deltas in order. Next returns io.EOF at the clean end
// of the stream. Close releases the upstream connection and may be called
// more than once.
type Source interface {
	Next() (string, error)
	Close() error
}

// Sink receives the forwarded stream.
//
// Begin is called once before the first Write. Write must deliver the delta
// to the caller (flush) before returning. End is called exactly once after
// Begin: with nil on clean completion, or with the failure that cut the
// stream short.
type Sink interface {
	Begin() error
	Write(delta string) error
	End(err error) error
}

// Result summarizes one relayed stream.
type Result struct {
	// Text is the concatenation of every forwarded delta.
	Text string
	// Deltas is the number of deltas forwarded.
	Deltas int
	// FirstDelta is the latency to the first delta, zero if none arrived.
	FirstDelta time.Duration
	// Elapsed is the total relay time.
	Elapsed time.Duration
}

// ErrSinkClosed is wrapped when the caller's side stops accepting writes.
var ErrSinkClosed = errors.New("sink closed")

// StreamError reports a failure after the sink began.
type StreamError struct {
	// Partial is the text forwarded before the failure.
	Partial string
	// Deltas is how many deltas reached the sink.
	Deltas int
	Err    error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed after %d deltas (%d bytes sent): %v", e.Deltas, len(e.Partial), e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsPartial reports whether err means output already reached the caller.
func IsPartial(err error) bool {
	var se *StreamError
	return errors.As(err, &se)
}

// Run relays src into sink until the stream ends, fails, or ctx is done.
// src is always closed before Run returns.
//
// Errors before the sink began are returned unchanged. Errors after it began
// are returned as *StreamError.
func Run(ctx context.Context, src Source, sink Sink) (Result, error) {
	start := time.Now()
	var (
		text   strings.Builder
		res    Result
		begun  bool
		closed bool
	)

	closeSource := func() {
		if !closed {
			closed = true
			src.Close()
		}
	}
	defer closeSource()

	// Tear down the upstream as soon as the caller goes away, even while
	// Next is blocked.
	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer stop()

	finish := func(err error) (Result, error) {
		closeSource()
		res.Text = text.String()
		res.Elapsed = time.Since(start)

		if !begun {
			if err == nil {
				// Clean zero-delta completion still gets a well-formed response.
				if berr := sink.Begin(); berr != nil {
					return res, berr
				}
				return res, sink.End(nil)
			}
			return res, err
		}

		if err == nil {
			return res, sink.End(nil)
		}
		se := &StreamError{Partial: res.Text, Deltas: res.Deltas, Err: err}
		sink.End(se)
		return res, se
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		delta, err := src.Next()
		if err == io.EOF {
			return finish(nil)
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				err = cerr
			}
			return finish(err)
		}
		if delta == "" {
			continue
		}

		if !begun {
			if err := sink.Begin(); err != nil {
				return finish(fmt.Errorf("%w: %v", ErrSinkClosed, err))
			}
			begun = true
			res.FirstDelta = time.Since(start)
		}

		if err := sink.Write(delta); err != nil {
			return finish(fmt.Errorf("%w: %v", ErrSinkClosed, err))
		}
		text.WriteString(delta)
		res.Deltas++
	}
}
