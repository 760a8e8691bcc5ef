// Package engine implements the generic probe engine of spec §4.1: a
// send/receive state machine shared by every scanner. It drives exactly
// two cooperating activities per Scan call (spec §5) — the sender runs on
// the calling goroutine, the receiver runs on one dedicated goroutine —
// and leaves all scan-specific behavior (what to send, when to stop
// retrying) to a Cycle implementation supplied by the caller.
//
// Grounded on the teacher's worker-pool idiom for fan-out
// (neoAgent/internal/core/scanner/port/scanner.go, scanner/alive/alive.go)
// but deliberately NOT a pool: the spec fixes the concurrency shape at
// exactly one sender and one receiver, so Scan has no semaphore and no
// per-probe goroutine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ipv6recon/internal/core/model"
)

// Sender sends one probe over a transport. Datagram scanners send
// model.Probe; capture scanners send model.CapturePacket.
type Sender[P any] interface {
	Send(ctx context.Context, p P) error
}

// Receiver runs the receive loop described in spec §4.2/§4.3: poll with a
// bounded cadence, and on each accepted packet push it to out. Receive
// must return promptly once done is closed (bounded shutdown latency,
// spec §5) and must close out itself isn't required — the engine treats
// out as receiver-owned until Receive returns, then stops reading it.
type Receiver interface {
	Receive(ctx context.Context, done <-chan struct{}, out chan<- model.Received)
}

// Cycle supplies the next probe batch for round (0-based), given every
// packet the receiver has accepted so far. The default single-batch
// scanners return (batch, true) on round 0 and (nil, false) afterwards.
// The OS fingerprinter's cycle returns a batch on each of its three T1
// rounds; traceroute and the DHCP Locator call Scan again per hop or
// per search step instead of using a multi-round Cycle.
type Cycle[P any] interface {
	Next(round int, results []model.Received) (batch []P, ok bool)
}

// StopRetrier is implemented by stateful cycles that want to cut a retry
// round short once they have seen what they need (spec §4.1, step 3:
// "if stop_retry() returns true, break").
type StopRetrier interface {
	StopRetry(results []model.Received) bool
}

// Config holds the probe engine's tunables (spec §4.1, defaults in §6).
type Config struct {
	Retry    int           // stateful mode: send+timewait rounds per cycle (default 2)
	Interval time.Duration // pacing between probes within one send pass (default 100ms)
	Timewait time.Duration // stateful mode: pause after a send pass (default 1s)
	Stateful bool
}

// Scan runs the generic send/receive state machine and returns every
// packet the receiver accepted while the scan was running.
func Scan[P any](ctx context.Context, sender Sender[P], receiver Receiver, cycle Cycle[P], cfg Config) ([]model.Received, error) {
	done := make(chan struct{})
	out := make(chan model.Received, 256)

	var mu sync.Mutex
	var results []model.Received

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for r := range out {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}
	}()

	recvJoined := make(chan struct{})
	go func() {
		defer close(recvJoined)
		defer close(out)
		receiver.Receive(ctx, done, out)
	}()

	sendErr := runSender(ctx, sender, cycle, cfg, &mu, &results)

	close(done)
	<-recvJoined
	<-drained

	if sendErr != nil {
		return nil, sendErr
	}
	return results, nil
}

func runSender[P any](ctx context.Context, sender Sender[P], cycle Cycle[P], cfg Config, mu *sync.Mutex, results *[]model.Received) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe engine: sender panic: %v", r)
		}
	}()

	retries := cfg.Retry
	if retries < 1 {
		retries = 1
	}
	stopper, _ := cycle.(StopRetrier)

	for round := 0; ; round++ {
		mu.Lock()
		snapshot := append([]model.Received(nil), *results...)
		mu.Unlock()

		batch, ok := cycle.Next(round, snapshot)
		if !ok {
			return nil
		}

		sendBatch := func() error {
			for _, p := range batch {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := sender.Send(ctx, p); err != nil {
					return fmt.Errorf("probe engine: send failed: %w", err)
				}
				time.Sleep(cfg.Interval)
			}
			return nil
		}

		if !cfg.Stateful {
			if err := sendBatch(); err != nil {
				return err
			}
			continue
		}

		for attempt := 0; attempt < retries; attempt++ {
			if err := sendBatch(); err != nil {
				return err
			}
			time.Sleep(cfg.Timewait)
			if stopper == nil {
				continue
			}
			mu.Lock()
			snap := append([]model.Received(nil), *results...)
			mu.Unlock()
			if stopper.StopRetry(snap) {
				break
			}
		}
	}
}
