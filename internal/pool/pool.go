package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/judge"
	"github.com/Harsh-BH/Sentinel/judge/internal/metrics"
)

const replyTimeout = 10 * time.Second

// Executor judges one request.
type Executor interface {
	Execute(ctx context.Context, req *domain.JudgeRequest, rep judge.Reporter) (*domain.JudgingResult, error)
}

// WorkerPool manages a fixed-size pool of goroutines that judge queued requests.
type WorkerPool struct {
	size     int
	messages <-chan *domain.JudgeMessage
	executor Executor
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new fixed-size worker pool.
func NewWorkerPool(size int, messages <-chan *domain.JudgeMessage, executor Executor, logger *zap.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:     size,
		messages: messages,
		executor: executor,
		logger:   logger,
	}
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return p.size }

// Start launches all worker goroutines. Call Stop to wait for them to finish.
func (p *WorkerPool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", zap.Int("pool_size", p.size))

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop waits for all workers to finish their current message and exit.
func (p *WorkerPool) Stop() {
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Worker shutting down", zap.Int("worker_id", id))
			return
		case msg, ok := <-p.messages:
			if !ok {
				p.logger.Debug("Message channel closed", zap.Int("worker_id", id))
				return
			}
			p.handle(ctx, id, msg)
		}
	}
}

// handle judges one message. A panic is confined to the message that caused
// it; the worker keeps serving.
func (p *WorkerPool) handle(ctx context.Context, id int, msg *domain.JudgeMessage) {
	logger := p.logger.With(
		zap.Int("worker_id", id),
		zap.String("submission_id", msg.Request.SubmissionID),
		zap.String("language", string(msg.Request.Language)),
	)

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker panic recovered", zap.Any("panic", r))
			if err := msg.Nack(false); err != nil {
				logger.Error("Failed to NACK message", zap.Error(err))
			}
		}
	}()

	logger.Info("Worker processing judge request")

	reply := &domain.JudgeReply{}
	res, err := p.executor.Execute(ctx, msg.Request, nil)
	if err != nil {
		logger.Warn("Judge request rejected", zap.Error(err))
		reply.Error = err.Error()
	} else {
		reply.Result = res
	}

	replyCtx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := msg.Reply(replyCtx, reply); err != nil {
		logger.Error("Failed to publish reply", zap.Error(err))
		// Nack without requeue: the caller stopped waiting or the broker is
		// gone, and re-judging would not help either.
		if nackErr := msg.Nack(false); nackErr != nil {
			logger.Error("Failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		logger.Error("Failed to ACK message after judging", zap.Error(ackErr))
	}
}
