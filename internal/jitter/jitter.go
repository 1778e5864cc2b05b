// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package jitter provides a ticker whose interval is randomized around a base
// duration, so that repeated requests to a remote service do not fall on a
// fixed schedule.
package jitter

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

// Ticker is a ticker that adds jitter to the tick duration. It implements
// ticker.Ticker and starts paused.
type Ticker struct {
	// c is the channel that receives ticks.
	c chan time.Time

	// duration is the base duration of the ticker.
	duration time.Duration

	// scaler defines the jitter scaler. The jitter is calculated as,
	// - min: duration * (1 - scaler) or 0 if scaler > 1,
	// - max: duration * (1 + scaler).
	//
	// NOTE: when scaler is 0, this ticker behaves as a normal ticker.
	scaler float64

	// min and max store the duration values.
	min int64
	max int64

	mu sync.Mutex

	// pause is closed to stop the running tick loop. It is nil while the
	// ticker is paused.
	pause chan struct{}
	wg    sync.WaitGroup
}

// Compile time assert the implementation.
var _ ticker.Ticker = (*Ticker)(nil)

// New returns a new paused Ticker. It panics if jitter is negative.
func New(d time.Duration, jitter float64) *Ticker {
	min, max := calculateMinMax(d, jitter)

	return &Ticker{
		c:        make(chan time.Time, 1),
		scaler:   jitter,
		duration: d,
		min:      min,
		max:      max,
	}
}

// calculateMinMax calculates the min and max duration values. If the
// calculated min is negative, it will be set to 0.
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	// If the scaler is negative, we will panic.
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	// Calculate the min and max jitter values.
	min := math.Floor(float64(d) * (1 - scaler))
	max := math.Ceil(float64(d) * (1 + scaler))

	// If the scaler is greater than 1, we would use a zero min instead of
	// a negative one.
	if 1-scaler < 0 {
		min = 0
	}

	return int64(min), int64(max)
}

// Ticks returns the channel that delivers ticks while the ticker runs.
func (jt *Ticker) Ticks() <-chan time.Time {
	return jt.c
}

// Resume starts or resumes delivering ticks. It is a no-op on a running
// ticker.
func (jt *Ticker) Resume() {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	if jt.pause != nil {
		return
	}

	jt.pause = make(chan struct{})
	jt.wg.Add(1)
	go jt.run(jt.pause)
}

// Pause stops delivering ticks until Resume is called again.
func (jt *Ticker) Pause() {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	if jt.pause == nil {
		return
	}

	close(jt.pause)
	jt.pause = nil
	jt.wg.Wait()
}

// Stop stops the ticker. A stopped ticker may be resumed.
func (jt *Ticker) Stop() {
	jt.Pause()
}

// run delivers ticks until pause is closed.
func (jt *Ticker) run(pause <-chan struct{}) {
	defer jt.wg.Done()

	// Create a new timer with a random duration.
	timer := time.NewTimer(jt.rand())
	defer timer.Stop()

	for {
		select {
		case t := <-timer.C:
			// Reset the timer when it fires.
			timer.Reset(jt.rand())

			// Send the tick to the channel.
			//
			// NOTE: must be non-blocking.
			select {
			case jt.c <- t:
			default:
			}

		case <-pause:
			return
		}
	}
}

// rand returns a random duration between the min and max values.
func (jt *Ticker) rand() time.Duration {
	if jt.max == jt.min {
		return jt.duration
	}

	d := rand.Int63n(jt.max-jt.min) + jt.min //nolint:gosec
	return time.Duration(d)
}
