// Package bpfsource — bpfsource.go
//
// Optional raw-kernel-telemetry ingestion adapter: reads the BPF ring
// buffer and republishes each record onto the mesh as a normal
// event.Event, so deployments that want host-level signal (socket
// connects, file opens, setuid calls) flowing through governance/immune
// the same way any other kernel's events do can plug this in without the
// mesh or any downstream kernel knowing the event originated in-kernel.
//
// Not required by the runtime core itself — §1 scopes concrete ingestion
// pipelines out — but the ring-buffer-to-channel-to-dispatch shape is
// lifted directly from internal/kernel.Processor, generalized from one
// hardcoded downstream (the anomaly engine) to the mesh's general
// publish path.
package bpfsource

import (
	"context"
	"fmt"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	bpfpkg "github.com/octoreflex/grace/internal/bpf"
	"github.com/octoreflex/grace/internal/event"
	"github.com/octoreflex/grace/internal/observability"
)

// Publisher is the mesh's publish surface, as seen by this source.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// sourceName is the mesh Source every event published by this adapter
// carries; route manifests target it like any other kernel name.
const sourceName = "bpfsource"

// Source reads kernel telemetry from the BPF ring buffer and republishes
// each record as a mesh event.
type Source struct {
	objs    *bpfpkg.Objects
	mesh    Publisher
	metrics *observability.Metrics
	log     *zap.Logger
}

// New constructs a Source over an already-loaded set of BPF objects.
func New(objs *bpfpkg.Objects, mesh Publisher, metrics *observability.Metrics, log *zap.Logger) *Source {
	return &Source{objs: objs, mesh: mesh, metrics: metrics, log: log}
}

// Run blocks reading ring buffer records until ctx is cancelled,
// publishing one event.Event per well-formed record. Malformed records
// are logged and skipped, never fatal; an unrecoverable ring buffer
// error stops the loop.
func (s *Source) Run(ctx context.Context) error {
	rd, err := ringbuf.NewReader(s.objs.Events)
	if err != nil {
		return fmt.Errorf("bpfsource: ringbuf.NewReader: %w", err)
	}
	defer rd.Close()

	dropTicker := time.NewTicker(5 * time.Second)
	defer dropTicker.Stop()

	var lastDropCount uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dropTicker.C:
			total, err := s.objs.ReadDropCount()
			if err != nil {
				s.log.Warn("bpfsource: read drop counter failed", zap.Error(err))
				continue
			}
			if delta := total - lastDropCount; delta > 0 {
				s.metrics.MeshEventsDroppedTotal.WithLabelValues("ringbuf_overflow").Add(float64(delta))
				lastDropCount = total
			}
		default:
			_ = rd.SetDeadline(time.Now().Add(100 * time.Millisecond))
			record, err := rd.Read()
			if err != nil {
				if ringbuf.IsUnrecoverableError(err) {
					return fmt.Errorf("bpfsource: unrecoverable ring buffer error: %w", err)
				}
				continue
			}

			kev, err := bpfpkg.ParseEvent(record.RawSample)
			if err != nil {
				s.log.Warn("bpfsource: malformed kernel event", zap.Error(err), zap.Int("raw_len", len(record.RawSample)))
				continue
			}

			ev := event.New("kernel."+kev.EventType.String(), sourceName, event.PriorityNormal, encodePayload(kev))
			if err := s.mesh.Publish(ctx, ev); err != nil {
				s.metrics.MeshEventsDroppedTotal.WithLabelValues("queue_full").Inc()
				s.log.Debug("bpfsource: publish dropped", zap.Error(err), zap.Uint32("pid", kev.PID))
			}
		}
	}
}

func encodePayload(kev bpfpkg.KernelEvent) []byte {
	return []byte(fmt.Sprintf(`{"pid":%d,"uid":%d,"timestamp_ns":%d}`, kev.PID, kev.UID, kev.TimestampNS))
}
