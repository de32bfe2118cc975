package geocode

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
)

const defaultTimeout = 3 * time.Second

// Resolver fills missing coordinates or address on a record. It never
// fails: on error, timeout or no match the record comes back unchanged.
type Resolver struct {
	geocoder Geocoder
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewResolver(g Geocoder, timeout time.Duration, m *metrics.Metrics) *Resolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Resolver{geocoder: g, timeout: timeout, metrics: m, log: logging.WithComponent("geocode")}
}

// Enrich returns a copy of rec with location data filled in where possible.
// A device hint supplies coordinates when the record has none.
func (r *Resolver) Enrich(ctx context.Context, rec emergency.Record, hint *emergency.Coordinates) emergency.Record {
	out := rec.Clone()
	if !out.HasCoordinates() && hint != nil {
		out = out.WithCoordinates(hint.Latitude, hint.Longitude)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	location := strings.TrimSpace(out.Location)
	switch {
	case !out.HasCoordinates() && location != "":
		lat, lon, found, err := r.geocoder.Forward(ctx, location)
		r.metrics.RecordGeocode("forward", err, found)
		if err != nil {
			r.log.Warn().Err(err).Str("query", location).Msg("forward geocode failed")
			return out
		}
		if found {
			out = out.WithCoordinates(lat, lon)
		}
	case out.HasCoordinates() && location == "":
		address, found, err := r.geocoder.Reverse(ctx, *out.Latitude, *out.Longitude)
		r.metrics.RecordGeocode("reverse", err, found)
		if err != nil {
			r.log.Warn().Err(err).Msg("reverse geocode failed")
			return out
		}
		if found {
			out.Location = address
		}
	}
	return out
}
