// Package notify delivers status-change notifications to interested parties.
// Dispatch is fire-and-forget: a completed transition must never block on or
// fail because of notification delivery, so failures end up in the log and
// the failure counter and nowhere else.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trackline/internal/domain"
)

// Change carries everything a sender needs about one accepted transition.
type Change struct {
	Report    domain.Report
	OldStatus string
	NewStatus string
	Actor     domain.ActingUser
}

// Sender delivers a single notification. Implementations should honor the
// context deadline; errors are captured by the dispatcher, not the caller.
type Sender interface {
	Name() string
	Send(ctx context.Context, c Change) error
}

var (
	dispatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackline_notifications_dispatched_total",
		Help: "Status change notifications handed to senders.",
	})
	failedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trackline_notification_failures_total",
		Help: "Notification deliveries that failed, by sender.",
	}, []string{"sender"})

	registerOnce sync.Once
)

// RegisterMetrics registers the dispatch counters with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(dispatchedTotal, failedTotal)
	})
}

const defaultSendTimeout = 5 * time.Second

// Dispatcher fans a change out to all senders in a detached goroutine.
type Dispatcher struct {
	Senders []Sender
	Timeout time.Duration
	Logger  *log.Logger

	// wg lets tests wait for in-flight deliveries; production callers never do.
	wg sync.WaitGroup
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Dispatch returns immediately. Delivery runs detached from the request that
// triggered it; a panicking or failing sender is logged and counted only.
func (d *Dispatcher) Dispatch(c Change) {
	if d == nil || len(d.Senders) == 0 {
		return
	}
	dispatchedTotal.Inc()
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, s := range d.Senders {
			d.deliver(s, c, timeout)
		}
	}()
}

func (d *Dispatcher) deliver(s Sender, c Change, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			failedTotal.WithLabelValues(s.Name()).Inc()
			d.logger().Printf("notify: sender %s panicked: %v", s.Name(), r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Send(ctx, c); err != nil {
		failedTotal.WithLabelValues(s.Name()).Inc()
		d.logger().Printf("notify: sender %s failed for report %s (%s -> %s): %v",
			s.Name(), c.Report.ID, c.OldStatus, c.NewStatus, err)
	}
}

// Wait blocks until in-flight deliveries finish. Test helper.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSender writes notifications to the process log. It is the always-on
// baseline sender so transitions remain observable without any webhook.
type LogSender struct {
	Logger *log.Logger
}

func (LogSender) Name() string { return "log" }

func (s LogSender) Send(_ context.Context, c Change) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("report %s status %s -> %s by %s", c.Report.ID, c.OldStatus, c.NewStatus, c.Actor.ID)
	return nil
}
