package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

func TestEncode(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := OrderMessage{OrderID: 42, UserID: 7, VoucherID: 3, CreatedAt: created}

	m, err := encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Key) != "7" {
		t.Fatalf("key=%q want 7", m.Key)
	}
	if len(m.Headers) != 1 || m.Headers[0].Key != "order_id" || string(m.Headers[0].Value) != "42" {
		t.Fatalf("headers=%v", m.Headers)
	}

	var got map[string]any
	if err := json.Unmarshal(m.Value, &got); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"order_id", "user_id", "voucher_id", "created_at"} {
		if _, ok := got[k]; !ok {
			t.Fatalf("missing field %s in %s", k, m.Value)
		}
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		msg  OrderMessage
	}{
		{"no order", OrderMessage{UserID: 1, VoucherID: 1, CreatedAt: now}},
		{"no user", OrderMessage{OrderID: 1, VoucherID: 1, CreatedAt: now}},
		{"no voucher", OrderMessage{OrderID: 1, UserID: 1, CreatedAt: now}},
		{"no time", OrderMessage{OrderID: 1, UserID: 1, VoucherID: 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := encode(tc.msg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type stubWriter struct {
	err   error
	calls int
	got   []kafka.Message
}

func (w *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.got = append(w.got, msgs...)
	return nil
}

func (w *stubWriter) Close() error { return nil }

func TestPublishWritesEncodedMessage(t *testing.T) {
	w := &stubWriter{}
	p := newProducer(w, breakerSettings(nil))
	msg := OrderMessage{OrderID: 1, UserID: 2, VoucherID: 3, CreatedAt: time.Now()}

	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(w.got) != 1 || string(w.got[0].Key) != "2" {
		t.Fatalf("written=%v", w.got)
	}
}

func TestPublishBreakerOpens(t *testing.T) {
	w := &stubWriter{err: errors.New("broker down")}
	p := newProducer(w, breakerSettings(nil))
	msg := OrderMessage{OrderID: 1, UserID: 2, VoucherID: 3, CreatedAt: time.Now()}

	for i := 0; i < 5; i++ {
		if err := p.Publish(context.Background(), msg); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	// 熔断打开后不再调用 writer
	if err := p.Publish(context.Background(), msg); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err=%v want ErrOpenState", err)
	}
	if w.calls != 5 {
		t.Fatalf("writer calls=%d want 5", w.calls)
	}
}
