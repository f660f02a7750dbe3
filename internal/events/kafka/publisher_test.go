package kafka

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestPublishRejectsUnencodableEvent(t *testing.T) {
	p := NewPublisher([]string{"127.0.0.1:1"}, "transaction_completed")
	defer p.Close()

	if err := p.Publish(context.Background(), "tx-1", make(chan int)); err == nil {
		t.Fatal("expected encoding error")
	}
}

func TestNewPublisherKeysByHash(t *testing.T) {
	p := NewPublisher([]string{"a:9092", "b:9092"}, "ledger-events")
	defer p.Close()

	if p.writer.Topic != "ledger-events" {
		t.Errorf("unexpected topic %q", p.writer.Topic)
	}
	if _, ok := p.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", p.writer.Balancer)
	}
}
