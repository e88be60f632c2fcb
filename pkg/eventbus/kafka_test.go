package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"plato/pkg/audit"

	"github.com/segmentio/kafka-go"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

type fakeKafkaReader struct {
	msg      kafka.Message
	err      error
	readHits int
}

func (f *fakeKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.readHits++
	if f.err != nil {
		return kafka.Message{}, f.err
	}
	return f.msg, nil
}

func (f *fakeKafkaReader) Close() error {
	return nil
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" ", "\t"}}, nil); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{" 127.0.0.1:9092 "}}, nil)
	if err != nil {
		t.Fatalf("expected valid publisher config, got error: %v", err)
	}
	if p.topic != DefaultTopic {
		t.Fatalf("expected default topic, got %q", p.topic)
	}
	w, ok := p.writer.(*kafka.Writer)
	if !ok || !w.Async || w.Completion == nil {
		t.Fatalf("expected async writer with completion hook, got %#v", p.writer)
	}
}

func TestKafkaPublisherPublishExecution(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w, topic: "pdl.executions"}
	rec := audit.Record{
		ExecutionID:     "e1",
		Route:           "/api/compile",
		UserIDAnon:      "u1",
		FailClass:       "ok",
		OK:              true,
		UserSafeMessage: "Compilation succeeded.",
		RequestPayload:  json.RawMessage(`{"sourceText":"Module:a:b"}`),
		ResponsePayload: json.RawMessage(`{"ok":true}`),
		CreatedAt:       created,
	}
	if err := p.PublishExecution(context.Background(), rec); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "e1" || !msg.Time.Equal(created) {
		t.Fatalf("unexpected key/time: %s %v", msg.Key, msg.Time)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[1].Value) != "ok" {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}
	if strings.Contains(string(msg.Value), "sourceText") {
		t.Fatalf("request payload must not be exported: %s", msg.Value)
	}
	var got audit.Record
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ExecutionID != "e1" || got.Route != "/api/compile" || !got.OK {
		t.Fatalf("unexpected record: %+v", got)
	}

	w.err = errors.New("queue full")
	if err := p.PublishExecution(context.Background(), rec); err == nil || !strings.Contains(err.Error(), "pdl.executions") {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer close, err=%v", err)
	}
}

func TestKafkaPublisherNilGuards(t *testing.T) {
	t.Parallel()

	var p *KafkaPublisher
	if err := p.Close(); err != nil {
		t.Fatalf("expected nil close to be no-op, got: %v", err)
	}
	if err := p.PublishExecution(context.Background(), audit.Record{}); err == nil {
		t.Fatal("expected error for nil publisher")
	}
}

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaConsumer(KafkaConfig{GroupID: "g1"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
	consumer, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{" ", "127.0.0.1:9092"}, GroupID: "g1"})
	if err != nil {
		t.Fatalf("expected valid consumer config, got error: %v", err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestKafkaConsumerReadExecution(t *testing.T) {
	t.Run("nil_guards", func(t *testing.T) {
		var nilConsumer *KafkaConsumer
		if err := nilConsumer.Close(); err != nil {
			t.Fatalf("expected nil close to be no-op, got: %v", err)
		}
		if _, err := nilConsumer.ReadExecution(context.Background()); err == nil {
			t.Fatal("expected read error for nil consumer")
		}
		if _, err := (&KafkaConsumer{}).ReadExecution(context.Background()); err == nil {
			t.Fatal("expected read error for uninitialized reader")
		}
	})

	t.Run("reader_error", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{err: errors.New("read failed")}}
		if _, err := consumer.ReadExecution(context.Background()); err == nil {
			t.Fatal("expected reader error")
		}
	})

	t.Run("bad_payload", func(t *testing.T) {
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{msg: kafka.Message{Value: []byte(`not json`), Offset: 7}}}
		_, err := consumer.ReadExecution(context.Background())
		if err == nil || !strings.Contains(err.Error(), "offset 7") {
			t.Fatalf("expected decode error, got %v", err)
		}
	})

	t.Run("round_trip", func(t *testing.T) {
		msg, err := recordMessage(audit.Record{ExecutionID: "e2", Route: "/api/check", FailClass: "rate_limited"})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		consumer := &KafkaConsumer{reader: &fakeKafkaReader{msg: msg}}
		rec, err := consumer.ReadExecution(context.Background())
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if rec.ExecutionID != "e2" || rec.FailClass != "rate_limited" || rec.OK {
			t.Fatalf("unexpected record: %+v", rec)
		}
	})
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers("a:9092, b:9092,,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
}
