package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
)

func TestStdioPublisher(t *testing.T) {
	c := qt.New(t)
	buf := &bytes.Buffer{}
	p := NewPublisher(newStdioProducer(buf), "relayer.")

	c.Assert(p.Publish(context.Background(), TopicDeposits, &Deposit{Commitment: "aa", LeafIndex: 3, Source: "chain"}), qt.IsNil)
	c.Assert(p.Publish(context.Background(), TopicRoots, &RootUpdate{Root: "bb", LeafCount: 4, TxID: "0x01"}), qt.IsNil)

	sc := bufio.NewScanner(buf)
	var envs []Envelope
	for sc.Scan() {
		var env Envelope
		c.Assert(json.Unmarshal(sc.Bytes(), &env), qt.IsNil)
		envs = append(envs, env)
	}
	c.Assert(envs, qt.HasLen, 2)
	c.Assert(envs[0].Topic, qt.Equals, TopicDeposits)
	c.Assert(envs[1].Topic, qt.Equals, TopicRoots)
	c.Assert(envs[0].ID, qt.Not(qt.Equals), envs[1].ID)
	_, err := uuid.Parse(envs[0].ID)
	c.Assert(err, qt.IsNil)

	var d Deposit
	c.Assert(json.Unmarshal(envs[0].Data, &d), qt.IsNil)
	c.Assert(d.LeafIndex, qt.Equals, uint64(3))
	c.Assert(d.Commitment, qt.Equals, "aa")
}

type recordingProducer struct {
	topics []string
	err    error
}

func (r *recordingProducer) Publish(_ context.Context, topic string, _ []byte) error {
	r.topics = append(r.topics, topic)
	return r.err
}

func (*recordingProducer) Close() error { return nil }

func TestPublisherPrefixAndErrors(t *testing.T) {
	c := qt.New(t)
	rec := &recordingProducer{}
	p := NewPublisher(rec, "mixer.")
	c.Assert(p.Publish(context.Background(), TopicWithdrawals, &Withdrawal{Result: "ok"}), qt.IsNil)
	c.Assert(rec.topics, qt.DeepEquals, []string{"mixer.withdrawals"})

	rec.err = errors.New("broker down")
	err := p.Publish(context.Background(), TopicWithdrawals, &Withdrawal{Result: "ok"})
	c.Assert(err, qt.ErrorMatches, "publish withdrawals: broker down")

	// unencodable payloads never reach the producer
	err = p.Publish(context.Background(), TopicDeposits, make(chan int))
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(rec.topics, qt.HasLen, 2)
}

func TestNilAndNonePublisher(t *testing.T) {
	c := qt.New(t)
	var p *Publisher
	c.Assert(p.Publish(context.Background(), TopicRoots, nil), qt.IsNil)
	c.Assert(p.Close(), qt.IsNil)

	prod, err := NewProducer(Config{Driver: "none"})
	c.Assert(err, qt.IsNil)
	c.Assert(NewPublisher(prod, "").Publish(context.Background(), TopicRoots, make(chan int)), qt.IsNil)
}

func TestNewProducerErrors(t *testing.T) {
	c := qt.New(t)
	_, err := NewProducer(Config{Driver: "carrier-pigeon"})
	c.Assert(err, qt.ErrorMatches, `unsupported events driver "carrier-pigeon"`)
	_, err = NewProducer(Config{Driver: DriverKafka})
	c.Assert(err, qt.ErrorMatches, "kafka producer requires at least one broker")
	_, err = NewProducer(Config{Driver: DriverNATS})
	c.Assert(err, qt.ErrorMatches, "nats producer requires an url")

	p, err := NewProducer(Config{Driver: DriverKafka, Brokers: []string{" a:9092, b:9092", ""}})
	c.Assert(err, qt.IsNil)
	c.Assert(p.Close(), qt.IsNil)
}

func TestSplitList(t *testing.T) {
	c := qt.New(t)
	c.Assert(SplitList([]string{"a, b", " ", "c"}), qt.DeepEquals, []string{"a", "b", "c"})
	c.Assert(SplitList(nil), qt.DeepEquals, []string{})
}
