package models

import "time"

// DetectionResult summarises one PoP's latency scoring outcome for a cycle.
type DetectionResult struct {
	Pop             string    `json:"pop_code"`
	IsAnomaly       bool      `json:"is_anomaly"`
	ZScore          float64   `json:"z_score"`
	PercentIncrease float64   `json:"percent_increase"`
	RecentMean      float64   `json:"recent_mean"`
	BaselineMean    float64   `json:"baseline_mean"`
	SampleSize      int       `json:"sample_size"`
	Timestamp       time.Time `json:"timestamp"`
}

// CycleResult collects everything one detection cycle produced.
type CycleResult struct {
	Detections  []DetectionResult
	Resolutions []DetectionResult
	Evaluated   int
	Skipped     int
	StartedAt   time.Time
	Duration    time.Duration
}
