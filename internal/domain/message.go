package domain

import "context"

// JudgeMessage wraps a queued judging request with the callbacks needed to
// answer and settle it. The worker pool calls Reply once, then Ack or Nack.
type JudgeMessage struct {
	Request *JudgeRequest
	Reply   func(ctx context.Context, reply *JudgeReply) error
	Ack     func() error
	Nack    func(requeue bool) error
}
