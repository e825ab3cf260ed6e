// Package trend computes rolling time-series analytics over clinical metrics:
// least-squares trend direction, threshold alerts, and a composite
// deterioration detector over vital signs.
package trend

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Direction of a metric over a window.
type Direction string

// Directions.
const (
	DirectionStable     Direction = "stable"
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
)

// Alert severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// stableDeltaPct is the relative change below which a series counts as
// stable regardless of slope sign.
const stableDeltaPct = 5.0

// Point is one sample of a metric.
type Point struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// Analysis summarizes a metric over a window.
type Analysis struct {
	Metric    string    `json:"metric"`
	Direction Direction `json:"direction"`
	Slope     float64   `json:"slope"`
	DeltaPct  float64   `json:"delta_pct"`
	First     float64   `json:"first"`
	Last      float64   `json:"last"`
	Count     int       `json:"count"`
}

// Thresholds are per-metric alert bounds. A nil bound is not checked.
type Thresholds struct {
	Low          *float64 `json:"low,omitempty"`
	High         *float64 `json:"high,omitempty"`
	CriticalLow  *float64 `json:"critical_low,omitempty"`
	CriticalHigh *float64 `json:"critical_high,omitempty"`
}

// Alert is a threshold or composite finding.
type Alert struct {
	Metric       string  `json:"metric"`
	Severity     string  `json:"severity"`
	Message      string  `json:"message"`
	CurrentValue float64 `json:"current_value"`
	Threshold    float64 `json:"threshold"`
}

// Analyze fits a least-squares line over (index, value) pairs and classifies
// the direction. Fewer than two points is always stable.
func Analyze(metric string, points []Point) Analysis {
	a := Analysis{Metric: metric, Direction: DirectionStable, Count: len(points)}
	if len(points) == 0 {
		return a
	}

	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TS.Before(sorted[j].TS) })

	a.First = sorted[0].Value
	a.Last = sorted[len(sorted)-1].Value
	if len(sorted) < 2 {
		return a
	}

	a.Slope = slope(sorted)
	if a.First != 0 {
		a.DeltaPct = (a.Last - a.First) / math.Abs(a.First) * 100
	} else if a.Last != 0 {
		a.DeltaPct = math.Inf(sign(a.Last))
	}

	if math.Abs(a.DeltaPct) < stableDeltaPct {
		return a
	}
	if a.Slope > 0 {
		a.Direction = DirectionIncreasing
	} else if a.Slope < 0 {
		a.Direction = DirectionDecreasing
	}
	return a
}

// slope is the least-squares fit over (index, value).
func slope(points []Point) float64 {
	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// CheckThresholds evaluates the latest value against the metric's bounds.
// Critical bounds outrank the plain ones; at most one alert per metric.
func CheckThresholds(metric string, points []Point, th Thresholds) *Alert {
	if len(points) == 0 {
		return nil
	}
	latest := points[0]
	for _, p := range points[1:] {
		if p.TS.After(latest.TS) {
			latest = p
		}
	}
	v := latest.Value

	switch {
	case th.CriticalLow != nil && v <= *th.CriticalLow:
		return &Alert{
			Metric: metric, Severity: SeverityCritical,
			Message:      fmt.Sprintf("%s %.1f at or below critical low %.1f", metric, v, *th.CriticalLow),
			CurrentValue: v, Threshold: *th.CriticalLow,
		}
	case th.CriticalHigh != nil && v >= *th.CriticalHigh:
		return &Alert{
			Metric: metric, Severity: SeverityCritical,
			Message:      fmt.Sprintf("%s %.1f at or above critical high %.1f", metric, v, *th.CriticalHigh),
			CurrentValue: v, Threshold: *th.CriticalHigh,
		}
	case th.Low != nil && v <= *th.Low:
		return &Alert{
			Metric: metric, Severity: SeverityWarning,
			Message:      fmt.Sprintf("%s %.1f at or below low %.1f", metric, v, *th.Low),
			CurrentValue: v, Threshold: *th.Low,
		}
	case th.High != nil && v >= *th.High:
		return &Alert{
			Metric: metric, Severity: SeverityWarning,
			Message:      fmt.Sprintf("%s %.1f at or above high %.1f", metric, v, *th.High),
			CurrentValue: v, Threshold: *th.High,
		}
	}
	return nil
}

// Vital metric names the deterioration detector understands.
const (
	MetricSpO2            = "spo2"
	MetricHeartRate       = "heart_rate"
	MetricRespiratoryRate = "respiratory_rate"
)

// deteriorationWindow is the lookback for the composite detector.
const deteriorationWindow = 24 * time.Hour

// DetectDeterioration evaluates vitals series over the last 24 hours. Two or
// more adverse trends (SpO2 falling, heart rate rising, respiratory rate
// rising) produce one composite WARNING.
func DetectDeterioration(series map[string][]Point, now time.Time) *Alert {
	cutoff := now.Add(-deteriorationWindow)

	adverse := 0
	var findings []string
	for metric, points := range series {
		var window []Point
		for _, p := range points {
			if !p.TS.Before(cutoff) && !p.TS.After(now) {
				window = append(window, p)
			}
		}
		a := Analyze(metric, window)

		switch metric {
		case MetricSpO2:
			if a.Direction == DirectionDecreasing {
				adverse++
				findings = append(findings, "SpO2 decreasing")
			}
		case MetricHeartRate:
			if a.Direction == DirectionIncreasing {
				adverse++
				findings = append(findings, "heart rate increasing")
			}
		case MetricRespiratoryRate:
			if a.Direction == DirectionIncreasing {
				adverse++
				findings = append(findings, "respiratory rate increasing")
			}
		}
	}

	if adverse < 2 {
		return nil
	}
	sort.Strings(findings)
	msg := "possible deterioration over last 24h: " + findings[0]
	for _, f := range findings[1:] {
		msg += ", " + f
	}
	return &Alert{
		Metric:   "composite",
		Severity: SeverityWarning,
		Message:  msg,
	}
}
