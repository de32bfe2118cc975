package emergency

import (
	"errors"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func baseRecord() Record {
	return Record{
		Type:        TypeMedical,
		Severity:    SeverityHigh,
		Description: "man collapsed, not breathing",
		Location:    "4th and Main",
		Casualties:  1,
	}
}

func TestParseEnums(t *testing.T) {
	if got, err := ParseType(" natural disaster "); err != nil || got != TypeNaturalDisaster {
		t.Fatalf("expected NATURAL_DISASTER, got %q (%v)", got, err)
	}
	if got, err := ParseSeverity("critical"); err != nil || got != SeverityCritical {
		t.Fatalf("expected CRITICAL, got %q (%v)", got, err)
	}
	if _, err := ParseType("ALIENS"); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := ParseSeverity(""); err == nil {
		t.Fatal("expected error for empty severity")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Record) {}},
		{name: "valid with coordinates", mutate: func(r *Record) { r.Latitude, r.Longitude = ptr(40.7), ptr(-74) }},
		{name: "bad type", mutate: func(r *Record) { r.Type = "UFO" }, wantErr: true},
		{name: "bad severity", mutate: func(r *Record) { r.Severity = "EXTREME" }, wantErr: true},
		{name: "negative casualties", mutate: func(r *Record) { r.Casualties = -1 }, wantErr: true},
		{name: "half coordinates", mutate: func(r *Record) { r.Latitude = ptr(1) }, wantErr: true},
		{name: "latitude out of range", mutate: func(r *Record) { r.Latitude, r.Longitude = ptr(91), ptr(0) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRecord()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRecord) {
					t.Fatalf("expected ErrInvalidRecord, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestChanged(t *testing.T) {
	current := baseRecord()

	if !Changed(nil, current) {
		t.Fatal("first record must always be a change")
	}
	if Changed(&current, baseRecord()) {
		t.Fatal("identical record must not be a change")
	}

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"casualties", func(r *Record) { r.Casualties = 2 }},
		{"description rewording", func(r *Record) { r.Description = "a man collapsed and is not breathing" }},
		{"severity", func(r *Record) { r.Severity = SeverityCritical }},
		{"coordinates added", func(r *Record) { r.Latitude, r.Longitude = ptr(1), ptr(2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := baseRecord()
			tt.mutate(&next)
			if !Changed(&current, next) {
				t.Fatalf("expected %s difference to count as a change", tt.name)
			}
		})
	}
}

func TestEqualComparesCoordinateValues(t *testing.T) {
	a := baseRecord().WithCoordinates(40.1, -73.9)
	b := baseRecord().WithCoordinates(40.1, -73.9)
	if !a.Equal(b) {
		t.Fatal("expected records with equal coordinate values to be equal")
	}
	if a.Equal(baseRecord().WithCoordinates(40.2, -73.9)) {
		t.Fatal("expected differing latitude to be unequal")
	}
}

func TestCloneDetachesCoordinates(t *testing.T) {
	a := baseRecord().WithCoordinates(1, 2)
	b := a.Clone()
	*b.Latitude = 50
	if *a.Latitude != 1 {
		t.Fatalf("clone shared latitude pointer: %v", *a.Latitude)
	}
}

func TestTriageDerivations(t *testing.T) {
	critical := baseRecord()
	critical.Severity = SeverityCritical
	if !critical.Escalated() || critical.InitialStatus() != StatusInProgress || critical.Priority() != PriorityCritical {
		t.Fatalf("unexpected critical triage: escalated=%v status=%s priority=%s", critical.Escalated(), critical.InitialStatus(), critical.Priority())
	}

	low := baseRecord()
	low.Severity = SeverityLow
	if low.Escalated() || low.InitialStatus() != StatusPending || low.Priority() != PriorityLow {
		t.Fatalf("unexpected low triage: escalated=%v status=%s priority=%s", low.Escalated(), low.InitialStatus(), low.Priority())
	}
}

func TestWithDefaults(t *testing.T) {
	r := Record{}.WithDefaults()
	if r.Description != DefaultDescription || r.Location != DefaultLocation || r.Type != TypeOther || r.Severity != SeverityMedium {
		t.Fatalf("unexpected defaults: %#v", r)
	}
	kept := baseRecord().WithDefaults()
	if kept.Location != "4th and Main" {
		t.Fatalf("expected location to be kept, got %q", kept.Location)
	}
}
