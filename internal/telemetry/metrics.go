package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/wadispatch"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session metrics
	SessionsStartedTotal metric.Int64Counter
	AuthChecksTotal      metric.Int64Counter
	QRCodesIssuedTotal   metric.Int64Counter
	QRScansTotal         metric.Int64Counter
	BrowserOpenDuration  metric.Float64Histogram
	ActiveBrowsers       metric.Int64UpDownCounter

	// Dispatch metrics
	MessagesDispatchedTotal metric.Int64Counter
	MessagesFailedTotal     metric.Int64Counter
	DispatchDuration        metric.Float64Histogram

	// Schedule metrics
	MessagesScheduledTotal metric.Int64Counter
	JobsEnqueuedTotal      metric.Int64Counter
	JobsSkippedTotal       metric.Int64Counter

	// Worker metrics
	JobsDequeuedTotal  metric.Int64Counter
	JobsProcessedTotal metric.Int64Counter
	JobsDroppedTotal   metric.Int64Counter
	JobsReleasedTotal  metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.SessionsStartedTotal, _ = meter.Int64Counter(
		"wadispatch.sessions.started.total",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)

	m.AuthChecksTotal, _ = meter.Int64Counter(
		"wadispatch.sessions.auth_checks.total",
		metric.WithDescription("Total number of authentication checks by outcome"),
		metric.WithUnit("{check}"),
	)

	m.QRCodesIssuedTotal, _ = meter.Int64Counter(
		"wadispatch.qr.issued.total",
		metric.WithDescription("Total number of QR codes handed to callers"),
		metric.WithUnit("{code}"),
	)

	m.QRScansTotal, _ = meter.Int64Counter(
		"wadispatch.qr.scans.total",
		metric.WithDescription("Total number of QR scan waits by outcome"),
		metric.WithUnit("{scan}"),
	)

	m.BrowserOpenDuration, _ = meter.Float64Histogram(
		"wadispatch.browser.open.duration",
		metric.WithDescription("Time taken to launch a browser and load the start page"),
		metric.WithUnit("ms"),
	)

	m.ActiveBrowsers, _ = meter.Int64UpDownCounter(
		"wadispatch.browser.active",
		metric.WithDescription("Number of open browser pages"),
		metric.WithUnit("{page}"),
	)

	m.MessagesDispatchedTotal, _ = meter.Int64Counter(
		"wadispatch.messages.dispatched.total",
		metric.WithDescription("Total number of messages sent to a recipient"),
		metric.WithUnit("{message}"),
	)

	m.MessagesFailedTotal, _ = meter.Int64Counter(
		"wadispatch.messages.failed.total",
		metric.WithDescription("Total number of per-recipient send failures"),
		metric.WithUnit("{message}"),
	)

	m.DispatchDuration, _ = meter.Float64Histogram(
		"wadispatch.messages.dispatch.duration",
		metric.WithDescription("Duration of a dispatch batch"),
		metric.WithUnit("ms"),
	)

	m.MessagesScheduledTotal, _ = meter.Int64Counter(
		"wadispatch.schedule.messages.total",
		metric.WithDescription("Total number of scheduled message rows created"),
		metric.WithUnit("{message}"),
	)

	m.JobsEnqueuedTotal, _ = meter.Int64Counter(
		"wadispatch.jobs.enqueued.total",
		metric.WithDescription("Total number of delayed jobs enqueued"),
		metric.WithUnit("{job}"),
	)

	m.JobsSkippedTotal, _ = meter.Int64Counter(
		"wadispatch.jobs.skipped.total",
		metric.WithDescription("Total number of jobs not enqueued because their send time had passed"),
		metric.WithUnit("{job}"),
	)

	m.JobsDequeuedTotal, _ = meter.Int64Counter(
		"wadispatch.jobs.dequeued.total",
		metric.WithDescription("Total number of jobs dequeued by workers"),
		metric.WithUnit("{job}"),
	)

	m.JobsProcessedTotal, _ = meter.Int64Counter(
		"wadispatch.jobs.processed.total",
		metric.WithDescription("Total number of jobs processed by outcome"),
		metric.WithUnit("{job}"),
	)

	m.JobsDroppedTotal, _ = meter.Int64Counter(
		"wadispatch.jobs.dropped.total",
		metric.WithDescription("Total number of jobs dropped because their record was missing or already sent"),
		metric.WithUnit("{job}"),
	)

	m.JobsReleasedTotal, _ = meter.Int64Counter(
		"wadispatch.jobs.released.total",
		metric.WithDescription("Total number of jobs released back to the queue after an infrastructure error"),
		metric.WithUnit("{job}"),
	)

	return m
}
