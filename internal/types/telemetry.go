package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricEnrichmentSkipped    = "EnrichmentSkipped"
	MetricEnrichmentProcessed  = "EnrichmentProcessed"
	MetricBudgetDailyRemaining = "BudgetDailyRemaining"
	MetricBudgetMonthRemaining = "BudgetMonthlyRemaining"
	MetricSweepEnqueued        = "SweepEnqueued"
	MetricDeadLetterIngested   = "DeadLetterIngested"
	MetricDeadLetterReplayed   = "DeadLetterReplayed"
	MetricRetentionDeleted     = "RetentionDeleted"
	MetricAPILatency           = "APILatency"

	// Dimension Keys
	DimReason  = "Reason"
	DimOutcome = "Outcome"
	DimTable   = "Table"
	DimQueue   = "Queue"
	DimVenue   = "Venue"

	// Metric Namespace
	MetricNamespace = "TapRoom"
)
