package credguard

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher asynchronously forwards audit entries to a sink. The
// durable store append never goes through the dispatcher.
type auditDispatcher struct {
	cfg       AuditConfig
	sink      AuditSink
	metrics   *Metrics
	ch        chan AuditEntry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, metrics *Metrics) *auditDispatcher {
	if !cfg.SinkEnabled {
		return nil
	}
	if cfg.SinkBufferSize <= 0 {
		cfg.SinkBufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		cfg:     cfg,
		sink:    sink,
		metrics: metrics,
		ch:      make(chan AuditEntry, cfg.SinkBufferSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case entry := <-d.ch:
			d.sink.Emit(context.Background(), entry)
		case <-d.done:
			for {
				select {
				case entry := <-d.ch:
					d.sink.Emit(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

func (d *auditDispatcher) Emit(ctx context.Context, entry AuditEntry) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- entry:
		case <-d.done:
		default:
			d.dropped.Add(1)
			d.metrics.Inc(MetricAuditSinkDropped)
		}
		return
	}

	select {
	case d.ch <- entry:
	case <-ctx.Done():
	case <-d.done:
	}
}

func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
