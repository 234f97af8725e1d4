package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// EnrollBuckets for claim transactions, including conflict retries
	EnrollBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// PublishBuckets for feed sink batch publishes
	PublishBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Enrollment Metrics
var (
	// EnrollTotal counts enrollment calls by result (claimed, no_work, invalid, forbidden, unavailable, error)
	EnrollTotal CounterVec = noopCounterVec

	// EnrollDurationSeconds measures engine latency for admitted enrollments
	EnrollDurationSeconds Histogram = NoopStat{}

	// EnrollConflictsTotal counts claim transactions retried after a serialization conflict
	EnrollConflictsTotal Counter = NoopStat{}

	// EnrollBackpressureRejections counts enrollments refused for low pool headroom
	EnrollBackpressureRejections Counter = NoopStat{}
)

// Event Lifecycle Metrics
var (
	// EventsDispatchedTotal counts events appended by producers
	EventsDispatchedTotal Counter = NoopStat{}

	// StatusReportsTotal counts worker status reports by resulting status
	StatusReportsTotal CounterVec = noopCounterVec

	// ClaimsReclaimedTotal counts abandoned claims reclaimed by resulting status
	ClaimsReclaimedTotal CounterVec = noopCounterVec
)

// Store Pool Metrics. Raw sql.DB pool stats come from RegisterDBStats.
var (
	// DBPoolAvailable tracks connections the backpressure guard sees as free
	DBPoolAvailable Gauge = NoopStat{}
)

// Dispatch Feed Metrics
var (
	// FeedPublishedTotal counts records delivered by sink
	FeedPublishedTotal CounterVec = noopCounterVec

	// FeedPublishErrorsTotal counts failed publish attempts by sink
	FeedPublishErrorsTotal CounterVec = noopCounterVec

	// FeedPublishDurationSeconds measures batch publish latency by sink
	FeedPublishDurationSeconds HistogramVec = noopHistogramVec

	// FeedLagRecords tracks records appended but not yet handled, by sink
	FeedLagRecords GaugeVec = noopGaugeVec
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EnrollTotal = NewCounterVec(
		"enroll_total",
		"Enrollment calls by result",
		[]string{"result"},
	)
	EnrollDurationSeconds = NewHistogramWithBuckets(
		"enroll_duration_seconds",
		"Enrollment engine duration in seconds",
		EnrollBuckets,
	)
	EnrollConflictsTotal = NewCounter(
		"enroll_conflicts_total",
		"Claim transactions retried after a serialization conflict",
	)
	EnrollBackpressureRejections = NewCounter(
		"enroll_backpressure_rejections_total",
		"Enrollments refused because store pool headroom was low",
	)

	EventsDispatchedTotal = NewCounter(
		"events_dispatched_total",
		"Events appended by producers",
	)
	StatusReportsTotal = NewCounterVec(
		"status_reports_total",
		"Worker status reports by resulting status",
		[]string{"status"},
	)
	ClaimsReclaimedTotal = NewCounterVec(
		"claims_reclaimed_total",
		"Abandoned claims reclaimed by resulting status",
		[]string{"status"},
	)

	DBPoolAvailable = NewGauge(
		"db_pool_available",
		"Store connections available to new work",
	)

	FeedPublishedTotal = NewCounterVec(
		"feed_published_total",
		"Feed records delivered by sink",
		[]string{"sink"},
	)
	FeedPublishErrorsTotal = NewCounterVec(
		"feed_publish_errors_total",
		"Failed feed publish attempts by sink",
		[]string{"sink"},
	)
	FeedPublishDurationSeconds = NewHistogramVec(
		"feed_publish_duration_seconds",
		"Feed batch publish duration in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	FeedLagRecords = NewGaugeVec(
		"feed_lag_records",
		"Feed records appended but not yet handled by sink",
		[]string{"sink"},
	)
}
