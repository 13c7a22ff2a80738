package run

import (
	"bytes"
	"context"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"

	"github.com/codalab/worker-agent/pkg/bundleservice"
	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/types"
)

// sample is one log-tail/usage observation taken during a RUNNING poll.
type sample struct {
	logChunk []byte
	usage    types.ResourceUsage
	offset   int64
}

// sampleBatcher groups RUNNING-state samples into infrequent upload and
// update_run_metadata calls, rather than one call per poll tick.
type sampleBatcher struct {
	runUUID string
	client  Client
	b       *microbatch.Batcher[sample]
}

func newSampleBatcher(ctx context.Context, runUUID string, client Client) *sampleBatcher {
	sb := &sampleBatcher{runUUID: runUUID, client: client}
	sb.b = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        8,
		FlushInterval:  2 * time.Second,
		MaxConcurrency: 1,
	}, sb.process)
	return sb
}

func (sb *sampleBatcher) process(ctx context.Context, jobs []sample) error {
	if len(jobs) == 0 {
		return nil
	}

	var logTail bytes.Buffer
	last := jobs[len(jobs)-1]
	for _, j := range jobs {
		logTail.Write(j.logChunk)
	}

	if logTail.Len() > 0 {
		if err := sb.client.UploadRunOutput(ctx, sb.runUUID, "stdout", bytes.NewReader(logTail.Bytes())); err != nil {
			log.WithComponent("run").Warn().Err(err).Str("run_id", sb.runUUID).Msg("log upload failed")
		}
	}

	if err := sb.client.UpdateRunMetadata(ctx, sb.runUUID, bundleservice.RunMetadataUpdate{
		State:     types.RunStateRunning,
		Usage:     last.usage,
		LogOffset: last.offset,
	}); err != nil {
		log.WithComponent("run").Warn().Err(err).Str("run_id", sb.runUUID).Msg("usage report failed")
	}

	return nil
}

// Submit enqueues one sample, batching it with concurrent submissions.
func (sb *sampleBatcher) Submit(ctx context.Context, s sample) {
	if _, err := sb.b.Submit(ctx, s); err != nil {
		log.WithComponent("run").Debug().Err(err).Str("run_id", sb.runUUID).Msg("sample dropped, batcher closed")
	}
}

// Close flushes any pending batch and stops the batcher.
func (sb *sampleBatcher) Close(ctx context.Context) error {
	return sb.b.Shutdown(ctx)
}
