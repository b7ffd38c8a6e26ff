// Package evaluator turns a reading and its sensor thresholds into verdicts.
// Everything here is pure: no I/O, no clock, no shared state.
package evaluator

import (
	"math"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// DefaultHysteresisPercent is used when a sensor policy leaves it unset
const DefaultHysteresisPercent = 5.0

// Evaluate returns the most severe verdict for the reading across all
// configured directions. Ties prefer the HIGH direction.
func Evaluate(reading models.Reading, cfg models.SensorConfig) models.Verdict {
	verdicts := EvaluateAll(reading, cfg)
	if len(verdicts) == 0 {
		return models.Verdict{
			SensorID:            reading.SensorID,
			Severity:            models.SeverityNormal,
			ObservedAt:          reading.Timestamp,
			Value:               reading.Value,
			HysteresisSatisfied: true,
		}
	}

	worst := verdicts[0]
	for _, v := range verdicts[1:] {
		if v.Severity.Above(worst.Severity) {
			worst = v
		}
	}
	return worst
}

// EvaluateAll returns one verdict per configured direction so that
// independent conditions on the same sensor are tracked separately.
func EvaluateAll(reading models.Reading, cfg models.SensorConfig) []models.Verdict {
	pct := cfg.Policy.HysteresisPercent
	if pct <= 0 {
		pct = DefaultHysteresisPercent
	}

	var verdicts []models.Verdict
	t := cfg.Thresholds
	if t.HasHigh() {
		verdicts = append(verdicts, evaluateHigh(reading, cfg.Type, t, pct))
	}
	if t.HasLow() {
		verdicts = append(verdicts, evaluateLow(reading, cfg.Type, t, pct))
	}
	return verdicts
}

func evaluateHigh(r models.Reading, st models.SensorType, t models.Thresholds, pct float64) models.Verdict {
	v := models.Verdict{
		SensorID:      r.SensorID,
		ConditionType: models.NewConditionType(st, models.DirectionHigh),
		Severity:      models.SeverityNormal,
		ObservedAt:    r.Timestamp,
		Value:         r.Value,
	}

	warn := t.Max
	if warn == nil {
		warn = t.Critical
	}

	switch {
	case t.Critical != nil && r.Value >= *t.Critical:
		v.Severity = models.SeverityCritical
	case r.Value >= *warn:
		v.Severity = models.SeverityWarning
	}

	margin := Margin(pct, highSpan(t, *warn))
	v.HysteresisSatisfied = r.Value <= *warn-margin
	return v
}

func evaluateLow(r models.Reading, st models.SensorType, t models.Thresholds, pct float64) models.Verdict {
	v := models.Verdict{
		SensorID:      r.SensorID,
		ConditionType: models.NewConditionType(st, models.DirectionLow),
		Severity:      models.SeverityNormal,
		ObservedAt:    r.Timestamp,
		Value:         r.Value,
	}

	warn := t.Min
	if warn == nil {
		warn = t.CriticalLow
	}

	switch {
	case t.CriticalLow != nil && r.Value <= *t.CriticalLow:
		v.Severity = models.SeverityCritical
	case r.Value <= *warn:
		v.Severity = models.SeverityWarning
	}

	margin := Margin(pct, lowSpan(t, *warn))
	v.HysteresisSatisfied = r.Value >= *warn+margin
	return v
}

// Margin is the hysteresis buffer for a threshold span
func Margin(pct, span float64) float64 {
	return math.Abs(span) * pct / 100
}

func highSpan(t models.Thresholds, warn float64) float64 {
	if t.Max != nil && t.Critical != nil && *t.Critical != *t.Max {
		return *t.Critical - *t.Max
	}
	if t.Min != nil && t.Max != nil {
		return *t.Max - *t.Min
	}
	return warn
}

func lowSpan(t models.Thresholds, warn float64) float64 {
	if t.Min != nil && t.CriticalLow != nil && *t.Min != *t.CriticalLow {
		return *t.Min - *t.CriticalLow
	}
	if t.Min != nil && t.Max != nil {
		return *t.Max - *t.Min
	}
	return warn
}
