package queue

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestStdioConsumer_DeliversLines(t *testing.T) {
	t.Parallel()

	input := strings.NewReader("first\nsecond\n")
	consumer, err := NewConsumer(context.Background(), ConsumerConfig{
		Driver: DriverStdio,
		Reader: input,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-consumer.Messages():
			got = append(got, string(msg.Value))
			if err := msg.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case err := <-consumer.Errors():
			t.Fatalf("consume error: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("messages: got %v", got)
	}
}

type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestStdioProducer_FramesKeyedPayloads(t *testing.T) {
	t.Parallel()

	var out safeBuffer
	producer, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = producer.Close() }()

	if err := producer.Publish(context.Background(), "proof.fulfillment.v1", []byte("key-a"), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := producer.Publish(context.Background(), "proof.fulfillment.v1", nil, []byte(`{"b":2}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := hex.EncodeToString([]byte("key-a")) + "\t{\"a\":1}\n{\"b\":2}\n"
	if got := out.String(); got != want {
		t.Fatalf("output: got %q want %q", got, want)
	}
}

func TestStdio_RoundTripPreservesKey(t *testing.T) {
	t.Parallel()

	fp := common.HexToHash("0x0102030405060708091011121314151617181920212223242526272829303132")
	var out safeBuffer
	producer, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	if err := producer.Publish(context.Background(), "proof.request.v1", fp.Bytes(), []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := producer.Publish(context.Background(), "proof.request.v1", nil, []byte(`{"b":2}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	consumer, err := NewConsumer(context.Background(), ConsumerConfig{
		Driver: DriverStdio,
		Reader: strings.NewReader(out.String()),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	var got []Message
	for i := 0; i < 2; i++ {
		select {
		case msg := <-consumer.Messages():
			got = append(got, msg)
		case err := <-consumer.Errors():
			t.Fatalf("consume error: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	keyFP, ok := got[0].Fingerprint()
	if !ok || keyFP != fp {
		t.Fatalf("keyed message fingerprint: %x ok=%v", got[0].Key, ok)
	}
	if string(got[0].Value) != `{"a":1}` {
		t.Fatalf("keyed message value: %q", got[0].Value)
	}
	if _, ok := got[1].Fingerprint(); ok || got[1].Key != nil {
		t.Fatalf("unkeyed message grew a key: %x", got[1].Key)
	}
	if string(got[1].Value) != `{"b":2}` {
		t.Fatalf("unkeyed message value: %q", got[1].Value)
	}
}

func TestMessage_Fingerprint(t *testing.T) {
	t.Parallel()

	fp := common.HexToHash("0xaabbccddeeff00112233445566778899aabbccddeeff00112233445566778899")
	cases := []struct {
		name string
		key  []byte
		ok   bool
	}{
		{name: "fingerprint key", key: fp.Bytes(), ok: true},
		{name: "short key", key: []byte("short"), ok: false},
		{name: "no key", key: nil, ok: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, ok := Message{Key: tc.key}.Fingerprint()
			if ok != tc.ok {
				t.Fatalf("ok: got %v want %v", ok, tc.ok)
			}
			if tc.ok && got != fp {
				t.Fatalf("fingerprint: got %s want %s", got.Hex(), fp.Hex())
			}
		})
	}
}

func TestStdioConsumer_SurfacesOversizedLineError(t *testing.T) {
	t.Parallel()

	consumer, err := NewConsumer(context.Background(), ConsumerConfig{
		Driver:       DriverStdio,
		Reader:       strings.NewReader(strings.Repeat("x", 64) + "\n"),
		MaxLineBytes: 16,
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	select {
	case err := <-consumer.Errors():
		if err == nil {
			t.Fatalf("expected scan error")
		}
	case msg := <-consumer.Messages():
		t.Fatalf("unexpected message %q", msg.Value)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error")
	}
}

func TestNewConsumer_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{name: "unknown driver", cfg: ConsumerConfig{Driver: "rabbitmq"}},
		{name: "kafka missing brokers", cfg: ConsumerConfig{Driver: DriverKafka, Group: "g", Topics: []string{"t"}}},
		{name: "kafka missing group", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"b:9092"}, Topics: []string{"t"}}},
		{name: "kafka missing topics", cfg: ConsumerConfig{Driver: DriverKafka, Brokers: []string{"b:9092"}, Group: "g"}},
		{
			name: "kafka max below min",
			cfg: ConsumerConfig{
				Driver: DriverKafka, Brokers: []string{"b:9092"}, Group: "g", Topics: []string{"t"},
				KafkaMinBytes: 1024, KafkaMaxBytes: 16,
			},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := NewConsumer(context.Background(), tc.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewProducer_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer(ProducerConfig{Driver: "rabbitmq"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := NewProducer(ProducerConfig{Driver: DriverKafka}); err == nil {
		t.Fatalf("expected error for missing brokers")
	}
}

func TestStdioProducer_RequiresTopicOnKafkaOnly(t *testing.T) {
	t.Parallel()

	producer := newStdioProducer(ProducerConfig{Writer: io.Discard})
	if err := producer.Publish(context.Background(), "", nil, []byte("payload")); err != nil {
		t.Fatalf("stdio publish without topic: %v", err)
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: " a, b ,,c ", want: []string{"a", "b", "c"}},
		{in: "one", want: []string{"one"}},
	}
	for _, tc := range cases {
		got := SplitCommaList(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("SplitCommaList(%q): got %v want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("SplitCommaList(%q): got %v want %v", tc.in, got, tc.want)
			}
		}
	}
}
