package chain

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// MetricsSink receives health snapshots for time-series storage.
type MetricsSink interface {
	WriteSnapshot(ctx context.Context, snap Snapshot) error
	Close()
}

// InfluxSink writes health snapshots to InfluxDB.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink connects a sink to the given InfluxDB instance.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

func (s *InfluxSink) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	point := influxdb2.NewPoint("chain_health",
		map[string]string{
			"chain":  string(snap.Chain),
			"status": string(snap.Status),
		},
		map[string]interface{}{
			"score":             snap.Score,
			"block_height":      int64(snap.BlockHeight),
			"block_age_ms":      snap.BlockAge.Milliseconds(),
			"rpc_latency_ms":    snap.RPCLatency.Milliseconds(),
			"confirm_latency_s": snap.ConfirmLatency.Seconds(),
			"error_rate":        snap.ErrorRate,
		},
		snap.At,
	)
	return s.writeAPI.WritePoint(ctx, point)
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

// NopSink discards snapshots. Used when no metrics backend is configured.
type NopSink struct{}

func (NopSink) WriteSnapshot(ctx context.Context, snap Snapshot) error { return nil }
func (NopSink) Close()                                                 {}

var _ MetricsSink = (*InfluxSink)(nil)
var _ MetricsSink = NopSink{}
