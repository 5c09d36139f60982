// Package drain drives the end-to-end send: the direct (non-queued) path
// and the batched drain loop that pulls from a durable queue.Queue, opens
// one transaction per batch, streams, confirms, and commits, ordering and
// deleting rows atomically with server confirmation.
package drain

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/kevdoran/nifi-android-s2s/callback"
	"github.com/kevdoran/nifi-android-s2s/config"
	"github.com/kevdoran/nifi-android-s2s/packet"
	"github.com/kevdoran/nifi-android-s2s/queue"
	"github.com/kevdoran/nifi-android-s2s/transaction"
)

// Worker is the synchronous entry point an external scheduler invokes.
type Worker struct {
	engine *transaction.Engine
	sink   callback.ResultSink
}

// NewWorker builds a drain worker bound to a transaction engine and the
// caller's result sink.
func NewWorker(engine *transaction.Engine, sink callback.ResultSink) *Worker {
	return &Worker{engine: engine, sink: sink}
}

// Send is the direct, non-queued path: open, stream the caller-supplied
// packets, confirm, commit. Invokes the sink exactly once.
func (w *Worker) Send(ctx context.Context, packets []packet.Packet) {
	result, err := w.sendBatch(ctx, packets)
	w.sink.OnTransactionResult(result, err)
}

func (w *Worker) sendBatch(ctx context.Context, packets []packet.Packet) (result *transaction.Result, err error) {
	tx, err := w.engine.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_, _ = tx.Cancel(ctx)
		}
	}()

	if err = sendPackets(tx, packets); err != nil {
		return nil, err
	}
	if err = tx.Confirm(ctx); err != nil {
		return nil, err
	}
	result, err = tx.Complete(ctx)
	return result, err
}

func sendPackets(tx *transaction.Transaction, packets []packet.Packet) error {
	for _, p := range packets {
		if err := tx.Send(p); err != nil {
			if errors.Is(err, packet.ErrDataFetch) {
				log.Warn().Err(err).Interface("attributes", p.Attributes()).Msg("skipping packet: data fetch failed")
				continue
			}
			return err
		}
	}
	return nil
}

// Drain pulls batches from q sized by cfg's preferred batch limits, opening
// one transaction per batch, until the queue is empty or cfg's
// MaxTransactionTime deadline — measured from this call — is reached. The
// deadline is only checked between batches, never mid-batch. Invokes the
// sink exactly once.
func (w *Worker) Drain(ctx context.Context, q *queue.Queue, cfg config.QueuedClientConfig) {
	err := w.drain(ctx, q, cfg)
	w.sink.OnQueuedOperationResult(err)
}

func (w *Worker) drain(ctx context.Context, q *queue.Queue, cfg config.QueuedClientConfig) error {
	deadline := time.Now().Add(cfg.MaxTransactionTime)

	for {
		if !time.Now().Before(deadline) {
			return nil
		}

		batch, err := q.GetNextBatch(cfg.PreferredBatchCount, cfg.PreferredBatchSize, cfg.MaxAge)
		if err != nil {
			return err
		}
		if len(batch.Rows) == 0 {
			return nil
		}

		if err := w.drainOneBatch(ctx, q, batch); err != nil {
			return err
		}
	}
}

func (w *Worker) drainOneBatch(ctx context.Context, q *queue.Queue, batch *queue.Batch) (err error) {
	tx, err := w.engine.Begin(ctx)
	if err != nil {
		if rerr := q.Rollback(batch); rerr != nil {
			log.Error().Err(rerr).Msg("rollback after failed transaction begin also failed")
		}
		return err
	}

	var result *transaction.Result
	defer func() {
		if err != nil {
			_, _ = tx.Cancel(ctx)
			if rerr := q.Rollback(batch); rerr != nil {
				log.Error().Err(rerr).Msg("rollback after drain failure also failed")
			}
		}
	}()

	if err = sendPackets(tx, batch.Packets()); err != nil {
		return err
	}
	if err = tx.Confirm(ctx); err != nil {
		return err
	}
	result, err = tx.Complete(ctx)
	if err != nil {
		return err
	}

	if err = q.Commit(batch); err != nil {
		return err
	}

	log.Info().
		Int("flow_files", result.FlowFilesSent).
		Str("bytes_sent", humanize.Bytes(uint64(result.BytesSent))).
		Str("txn", tx.ID()).
		Msg("drained batch")
	return nil
}
