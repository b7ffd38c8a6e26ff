package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/smukkama/telemetry-alerts/internal/logger"
)

// Source is where a BatchConsumer reads from; *Consumer satisfies it
type Source interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// BatchHandler processes one batch. Failures of individual messages are
// the handler's to log; the batch is committed once the handler returns.
type BatchHandler func(ctx context.Context, batch []kafka.Message)

// BatchConsumer consumes from Kafka and hands messages to a handler in
// batches, flushing when the batch is full or the flush interval passes.
type BatchConsumer struct {
	source        Source
	handle        BatchHandler
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	log           zerolog.Logger
}

// NewBatchConsumer creates a new batch consumer
func NewBatchConsumer(source Source, handle BatchHandler, batchSize int, flushInterval time.Duration) *BatchConsumer {
	if batchSize < 1 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &BatchConsumer{
		source:        source,
		handle:        handle,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		log:           logger.WithComponent("batch_consumer"),
	}
}

// Start begins consuming
func (bc *BatchConsumer) Start(ctx context.Context) {
	bc.wg.Add(1)
	go bc.run(ctx)
}

// Stop stops the consumer after flushing what it holds
func (bc *BatchConsumer) Stop() {
	close(bc.stopCh)
	bc.wg.Wait()
}

func (bc *BatchConsumer) run(ctx context.Context) {
	defer bc.wg.Done()

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	var batch []kafka.Message
	ticker := time.NewTicker(bc.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message, bc.batchSize)
	go func() {
		defer close(msgChan)
		for {
			msg, err := bc.source.Consume(fetchCtx)
			if err != nil {
				if fetchCtx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				bc.log.Error().Err(err).Msg("consumer error")
				time.Sleep(100 * time.Millisecond)
				continue
			}
			select {
			case msgChan <- msg:
			case <-fetchCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-bc.stopCh:
			// Flush remaining batch before stopping
			cancelFetch()
			bc.flush(ctx, batch)
			return

		case <-ticker.C:
			if len(batch) > 0 {
				bc.flush(ctx, batch)
				batch = nil
			}

		case msg, ok := <-msgChan:
			if !ok {
				bc.flush(ctx, batch)
				return
			}
			batch = append(batch, msg)

			if len(batch) >= bc.batchSize {
				bc.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func (bc *BatchConsumer) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}

	bc.handle(ctx, batch)

	// Commit after processing, with a context that survives shutdown
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := bc.source.Commit(commitCtx, batch...); err != nil {
		bc.log.Error().Err(err).Int("batch", len(batch)).Msg("failed to commit offsets")
		return
	}

	bc.log.Debug().Int("batch", len(batch)).Msg("batch processed")
}
