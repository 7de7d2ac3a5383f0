package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqplib "github.com/rabbitmq/amqp091-go"

	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
)

type published struct {
	exchange, key string
	msg           amqplib.Publishing
}

type fakeChannel struct {
	published []published
	acks      []uint64
	nacks     []uint64
	requeued  []bool
	publishFn func() error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqplib.Publishing) error {
	if f.publishFn != nil {
		if err := f.publishFn(); err != nil {
			return err
		}
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	f.nacks = append(f.nacks, tag)
	f.requeued = append(f.requeued, requeue)
	return nil
}

func TestNewMessage_ReplyAndSettle(t *testing.T) {
	ch := &fakeChannel{}
	delivery := amqplib.Delivery{
		DeliveryTag:   7,
		ReplyTo:       "amq.rabbitmq.reply-to.abc",
		CorrelationId: "corr-1",
		Body:          []byte(`{"submissionId":"s1","code":"x","language":"cpp","testCases":[]}`),
	}

	msg, err := newMessage(ch, delivery)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Request.SubmissionID != "s1" || msg.Request.Language != domain.LangCpp {
		t.Errorf("unexpected request: %+v", msg.Request)
	}

	reply := &domain.JudgeReply{Result: &domain.JudgingResult{SubmissionID: "s1", Verdict: domain.VerdictNoTestCases}}
	if err := msg.Reply(context.Background(), reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(ch.published))
	}
	p := ch.published[0]
	if p.exchange != "" || p.key != delivery.ReplyTo || p.msg.CorrelationId != "corr-1" {
		t.Errorf("reply routing: %+v", p)
	}
	var got domain.JudgeReply
	if err := json.Unmarshal(p.msg.Body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Result == nil || got.Result.Verdict != domain.VerdictNoTestCases {
		t.Errorf("reply body: %s", p.msg.Body)
	}

	if err := msg.Ack(); err != nil {
		t.Fatal(err)
	}
	if err := msg.Nack(true); err != nil {
		t.Fatal(err)
	}
	if len(ch.acks) != 1 || ch.acks[0] != 7 || len(ch.nacks) != 1 || !ch.requeued[0] {
		t.Errorf("settle calls: acks=%v nacks=%v requeued=%v", ch.acks, ch.nacks, ch.requeued)
	}
}

func TestNewMessage_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		delivery amqplib.Delivery
	}{
		{"no reply_to", amqplib.Delivery{Body: []byte(`{}`)}},
		{"malformed body", amqplib.Delivery{ReplyTo: "q", Body: []byte(`{not json`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newMessage(&fakeChannel{}, tt.delivery); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNewMessage_PublishError(t *testing.T) {
	ch := &fakeChannel{publishFn: func() error { return errors.New("channel closed") }}
	msg, err := newMessage(ch, amqplib.Delivery{ReplyTo: "q", Body: []byte(`{}`)})
	if err != nil {
		t.Fatal(err)
	}
	if err := msg.Reply(context.Background(), &domain.JudgeReply{Error: "x"}); err == nil {
		t.Error("expected publish error to surface")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}
