// Package audit persists the pipeline's route events and periodic
// best-path snapshots to Postgres, for operational history and replay.
// This is ambient infrastructure the spec's component design is silent on
// (spec.md's Non-goals exclude only the BGP wire codec and process
// supervision, not a durability layer); grounded on the teacher's
// internal/state/writer.go transactional upsert pattern and
// internal/history/writer.go's zstd-compressed raw payload column.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/ribd/internal/attrs"
	"github.com/route-beacon/ribd/internal/bgpaddr"
	"github.com/route-beacon/ribd/internal/metrics"
)

var snapshotEncoder *zstd.Encoder

func init() {
	var err error
	snapshotEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("audit: zstd encoder init: %v", err))
	}
}

// EventAction mirrors the single-character action codes the teacher's
// writer switches on, spelled out since this package has no legacy wire
// format to stay compatible with.
type EventAction string

const (
	EventAdd     EventAction = "add"
	EventReplace EventAction = "replace"
	EventDelete  EventAction = "delete"
)

// RouteEvent is one audited pipeline transition: a route entering, leaving,
// or changing at a particular node.
type RouteEvent[A bgpaddr.Addr] struct {
	Net       bgpaddr.PrefixNet[A]
	Peer      string
	Node      string
	Action    EventAction
	Attrs     *attrs.PathAttributes
	Timestamp time.Time
}

// Writer batches RouteEvents into route_events and periodic best-path
// tables into snapshot blobs.
type Writer struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, logger: logger}
}

// FlushEvents writes a batch of route events within a single transaction,
// mirroring the teacher's FlushBatch shape (one tx per batch, metrics
// observed on commit).
func FlushEvents[A bgpaddr.Addr](w *Writer, ctx context.Context, afi string, events []RouteEvent[A]) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		if err := insertEvent(ctx, tx, afi, e); err != nil {
			return fmt.Errorf("audit: insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("audit: commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("audit_events").Observe(time.Since(start).Seconds())
	return nil
}

func insertEvent[A bgpaddr.Addr](ctx context.Context, tx pgx.Tx, afi string, e RouteEvent[A]) error {
	var attrsJSON []byte
	if e.Attrs != nil {
		var err error
		attrsJSON, err = json.Marshal(jsonAttrs(e.Attrs))
		if err != nil {
			return fmt.Errorf("marshal attrs: %w", err)
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO route_events (afi, net, peer, node, action, attrs, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		afi, e.Net.String(), e.Peer, e.Node, string(e.Action), attrsJSON, e.Timestamp,
	)
	return err
}

// jsonAttrs is the serializable projection of PathAttributes used for the
// audit log's attrs column; it exists because PathAttributes carries
// netip.Addr/pointer fields that marshal fine but are easier to read back
// with plain value semantics.
type jsonPathAttributes struct {
	Origin          string   `json:"origin"`
	NextHop         string   `json:"next_hop"`
	MED             *uint32  `json:"med,omitempty"`
	LocalPref       *uint32  `json:"local_pref,omitempty"`
	AtomicAggregate bool     `json:"atomic_aggregate,omitempty"`
	Communities     []uint32 `json:"communities,omitempty"`
}

func jsonAttrs(pa *attrs.PathAttributes) jsonPathAttributes {
	return jsonPathAttributes{
		Origin:          pa.Origin.String(),
		NextHop:         pa.NextHop.String(),
		MED:             pa.MED,
		LocalPref:       pa.LocalPref,
		AtomicAggregate: pa.AtomicAggregate,
		Communities:     pa.Communities,
	}
}

// SnapshotRoute is one entry in a best-path snapshot blob.
type SnapshotRoute struct {
	Net     string `json:"net"`
	Peer    string `json:"peer"`
	NextHop string `json:"next_hop"`
}

// WriteSnapshot compresses a full best-path table dump and stores it as a
// single blob row, the periodic point-in-time record used for disaster
// recovery and slow historical queries that route_events alone would make
// expensive to answer.
func (w *Writer) WriteSnapshot(ctx context.Context, afi string, routes []SnapshotRoute) error {
	start := time.Now()

	raw, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("audit: marshal snapshot: %w", err)
	}
	compressed := snapshotEncoder.EncodeAll(raw, nil)

	_, err = w.pool.Exec(ctx, `
		INSERT INTO route_snapshots (afi, route_count, payload, taken_at)
		VALUES ($1, $2, $3, now())`,
		afi, len(routes), compressed,
	)
	if err != nil {
		return fmt.Errorf("audit: insert snapshot: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("audit_snapshot").Observe(time.Since(start).Seconds())
	w.logger.Info("audit: snapshot written", zap.String("afi", afi), zap.Int("routes", len(routes)), zap.Int("bytes", len(compressed)))
	return nil
}
