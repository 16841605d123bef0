package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DetectionResult summarises the outcome of scoring one data point.
// Severity is only meaningful when IsAnomaly is true.
type DetectionResult struct {
	Metric    string    `json:"metric_name"`
	Value     float64   `json:"value"`
	IsAnomaly bool      `json:"is_anomaly"`
	Score     float64   `json:"score"`
	Severity  Severity  `json:"severity,omitempty"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"std_dev"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}
