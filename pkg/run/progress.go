package run

import (
	"context"
	"time"

	longpoll "github.com/joeycumines/go-longpoll"

	"github.com/codalab/worker-agent/pkg/bundleservice"
	"github.com/codalab/worker-agent/pkg/log"
)

// stagingTick is one heartbeat emitted while a dependency download is in
// flight, coalesced before being reported upstream.
type stagingTick struct {
	dependency string
	elapsed    time.Duration
}

// stagingProgressReporter coalesces per-dependency staging heartbeats
// into infrequent update_run_metadata calls, so N dependencies staging
// concurrently don't each drive their own upload.
type stagingProgressReporter struct {
	runUUID string
	client  Client
	ch      chan stagingTick
	ctx     context.Context
	cancel  context.CancelFunc
}

func newStagingProgressReporter(ctx context.Context, runUUID string, client Client) *stagingProgressReporter {
	ctx, cancel := context.WithCancel(ctx)
	return &stagingProgressReporter{
		runUUID: runUUID,
		client:  client,
		ch:      make(chan stagingTick, 32),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// report is safe to call concurrently from every in-flight dependency
// acquisition for this run.
func (s *stagingProgressReporter) report(dependency string, elapsed time.Duration) {
	select {
	case s.ch <- stagingTick{dependency: dependency, elapsed: elapsed}:
	default:
		// reporter is behind; dropping a heartbeat is fine, another follows
	}
}

// run drains coalesced batches of heartbeats and reports staging is
// still in progress, until the reporter's context is done or Stop is
// called.
func (s *stagingProgressReporter) run() {
	cfg := &longpoll.ChannelConfig{
		MaxSize:        8,
		MinSize:        1,
		PartialTimeout: 500 * time.Millisecond,
	}

	for {
		var count int

		err := longpoll.Channel(s.ctx, cfg, s.ch, func(stagingTick) error {
			count++
			return nil
		})

		if count > 0 {
			if updErr := s.client.UpdateRunMetadata(s.ctx, s.runUUID, bundleservice.RunMetadataUpdate{
				State: "staging",
			}); updErr != nil {
				log.WithComponent("run").Debug().Err(updErr).Str("run_id", s.runUUID).
					Msg("staging progress report failed, will retry on next batch")
			}
		}

		if err != nil {
			return
		}
	}
}

// Stop halts the reporter's background goroutine, unblocking any wait
// inside the coalescing receive.
func (s *stagingProgressReporter) Stop() {
	s.cancel()
}
