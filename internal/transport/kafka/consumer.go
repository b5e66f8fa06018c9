// Package kafka decodes pre-decoded route update envelopes off a Kafka
// topic (produced upstream by the per-peer wire codec, out of scope here)
// and feeds them into a per-family ingress chain. Grounded on
// internal/kafka's franz-go consumer-group pattern (manual offset commit
// gated on downstream flush success).
package kafka

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
	"github.com/route-beacon/ribd/internal/route"
	"github.com/route-beacon/ribd/internal/table"
)

// Decoder turns one Kafka record's key/value into an InternalMessage plus
// its dispatch kind. The wire codec itself is out of scope; this is the
// seam where it plugs in.
type Decoder[A bgpaddr.Addr] func(topic string, key, value []byte) (*route.InternalMessage[A], route.MessageType, error)

// Consumer feeds one family's ingress chains from a Kafka topic set.
type Consumer[A bgpaddr.Addr] struct {
	client  *kgo.Client
	decode  Decoder[A]
	entry   table.Node[A]
	family  bgpaddr.Family
	logger  *zap.Logger
	joined  atomic.Bool
}

type Config struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	ClientID      string
	FetchMaxBytes int32
	TLS           *tls.Config
	SASL          sasl.Mechanism
}

// NewConsumer builds a consumer-group client bound to entry, the pipeline
// node (typically a peer's RibIn) that accepts every decoded message.
func NewConsumer[A bgpaddr.Addr](cfg Config, family bgpaddr.Family, decode Decoder[A], entry table.Node[A], logger *zap.Logger) (*Consumer[A], error) {
	c := &Consumer[A]{decode: decode, entry: entry, family: family, logger: logger}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(true)
			logger.Info("transport/kafka: partitions assigned", zap.String("afi", family.String()))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, _ map[string][]int32) {
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Error("transport/kafka: commit on revoke failed", zap.Error(err))
			}
			c.joined.Store(false)
			logger.Info("transport/kafka: partitions revoked", zap.String("afi", family.String()))
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			c.joined.Store(false)
			logger.Info("transport/kafka: partitions lost", zap.String("afi", family.String()))
		}),
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	c.client = client
	return c, nil
}

// Run polls records, dispatches each through the ingress entry node, and
// commits its offset only after the node has accepted it — a decode or
// dispatch failure is logged and the record's offset is still marked
// committed, since there is no way to make the upstream producer redeliver
// a message this pipeline could not make sense of.
func (c *Consumer[A]) Run(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				c.logger.Error("transport/kafka: fetch error",
					zap.String("topic", e.Topic), zap.Int32("partition", e.Partition), zap.Error(e.Err))
			}
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			c.dispatch(rec)
			c.client.MarkCommitRecords(rec)
		})

		commitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := c.client.CommitMarkedOffsets(commitCtx); err != nil {
			c.logger.Error("transport/kafka: commit offsets failed", zap.Error(err))
		}
		cancel()
	}
}

func (c *Consumer[A]) dispatch(rec *kgo.Record) {
	msg, kind, err := c.decode(rec.Topic, rec.Key, rec.Value)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("transport/kafka", err.Error()).Inc()
		c.logger.Warn("transport/kafka: decode failed", zap.String("topic", rec.Topic), zap.Error(err))
		return
	}

	switch kind {
	case route.MsgAdd:
		c.entry.AddRoute(msg)
		metrics.RouteAddsTotal.WithLabelValues(c.family.String(), c.entry.Name()).Inc()
	case route.MsgReplace:
		c.entry.ReplaceRoute(msg)
	case route.MsgDelete:
		c.entry.DeleteRoute(msg)
		metrics.RouteDeletesTotal.WithLabelValues(c.family.String(), c.entry.Name()).Inc()
	case route.MsgPush:
		c.entry.Push(msg.Peer, msg.GenID)
	}

	metrics.KafkaMessagesTotal.WithLabelValues(rec.Topic, c.family.String(), kindLabel(kind)).Inc()
}

func kindLabel(kind route.MessageType) string {
	switch kind {
	case route.MsgAdd:
		return "add"
	case route.MsgReplace:
		return "replace"
	case route.MsgDelete:
		return "delete"
	default:
		return "push"
	}
}

func (c *Consumer[A]) IsJoined() bool { return c.joined.Load() }

func (c *Consumer[A]) Close() { c.client.Close() }
