package ingest

import "github.com/smukkama/telemetry-alerts/internal/models"

// plausibleRange is the physically possible band for a sensor type.
// Values outside it come from a broken sensor, not a real condition.
type plausibleRange struct {
	Min, Max float64
	Unit     string
}

var plausibleRanges = map[models.SensorType]plausibleRange{
	models.SensorTemperature: {Min: -90, Max: 150, Unit: "°C"},
	models.SensorHumidity:    {Min: 0, Max: 100, Unit: "%"},
	models.SensorWeight:      {Min: 0, Max: 100000, Unit: "kg"},
	models.SensorPressure:    {Min: 300, Max: 1200, Unit: "hPa"},
	models.SensorCO2:         {Min: 0, Max: 50000, Unit: "ppm"},
}

// PlausibleRange returns the accepted value band for a sensor type
func PlausibleRange(t models.SensorType) (lo, hi float64, ok bool) {
	r, ok := plausibleRanges[t]
	return r.Min, r.Max, ok
}

// DefaultUnit returns the unit readings of this type are expressed in
func DefaultUnit(t models.SensorType) string {
	return plausibleRanges[t].Unit
}
