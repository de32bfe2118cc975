// Package emergency defines the structured incident record extracted from a
// call and the rules derived from it.
package emergency

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type Type string

const (
	TypeFire            Type = "FIRE"
	TypeMedical         Type = "MEDICAL"
	TypePolice          Type = "POLICE"
	TypeNaturalDisaster Type = "NATURAL_DISASTER"
	TypeAccident        Type = "ACCIDENT"
	TypeOther           Type = "OTHER"
)

var Types = []Type{TypeFire, TypeMedical, TypePolice, TypeNaturalDisaster, TypeAccident, TypeOther}

func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

func ParseType(s string) (Type, error) {
	t := Type(normalizeEnum(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown emergency type %q", s)
	}
	return t, nil
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool {
	for _, v := range Severities {
		if s == v {
			return true
		}
	}
	return false
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(normalizeEnum(s))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

func normalizeEnum(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// Record is a complete snapshot of what is known about the incident. It is
// replaced wholesale, never patched.
type Record struct {
	Type        Type     `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Casualties  int      `json:"casualties"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

var ErrInvalidRecord = errors.New("invalid emergency record")

func (r Record) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidRecord, r.Type)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidRecord, r.Severity)
	}
	if r.Casualties < 0 {
		return fmt.Errorf("%w: negative casualties %d", ErrInvalidRecord, r.Casualties)
	}
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be set together", ErrInvalidRecord)
	}
	if r.Latitude != nil {
		lat, lon := *r.Latitude, *r.Longitude
		if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return fmt.Errorf("%w: coordinates out of range (%v, %v)", ErrInvalidRecord, lat, lon)
		}
	}
	return nil
}

func (r Record) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// WithCoordinates returns a copy of r with the given coordinates.
func (r Record) WithCoordinates(lat, lon float64) Record {
	r.Latitude = &lat
	r.Longitude = &lon
	return r
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	if r.Latitude != nil {
		lat := *r.Latitude
		r.Latitude = &lat
	}
	if r.Longitude != nil {
		lon := *r.Longitude
		r.Longitude = &lon
	}
	return r
}

// Equal reports structural equality across every field.
func (r Record) Equal(o Record) bool {
	return r.Type == o.Type &&
		r.Severity == o.Severity &&
		r.Description == o.Description &&
		r.Location == o.Location &&
		r.Casualties == o.Casualties &&
		floatPtrEqual(r.Latitude, o.Latitude) &&
		floatPtrEqual(r.Longitude, o.Longitude)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Changed decides whether next warrants a persistence write: always for the
// first record, otherwise on any field difference.
func Changed(current *Record, next Record) bool {
	if current == nil {
		return true
	}
	return !current.Equal(next)
}

// Coordinates is a device-reported or geocoded position.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Coordinates returns the record's position, if it has one.
func (r Record) Coordinates() (Coordinates, bool) {
	if !r.HasCoordinates() {
		return Coordinates{}, false
	}
	return Coordinates{Latitude: *r.Latitude, Longitude: *r.Longitude}, true
}
