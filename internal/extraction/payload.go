package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
)

// ErrInvalidPayload marks model output that does not match the response
// schema. It is never partially applied.
var ErrInvalidPayload = errors.New("invalid extraction payload")

// Payload is the decoded model response: either a complete record or none,
// plus exactly one dispatcher reply.
type Payload struct {
	Record *emergency.Record
	Reply  string
}

type wireRecord struct {
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	Location    *string  `json:"location"`
	Casualties  *int     `json:"casualties"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

// Parse decodes raw model output, tolerating code fences and prose around
// the JSON object.
func Parse(raw string) (Payload, error) {
	obj, ok := extractObject(raw)
	if !ok {
		return Payload{}, fmt.Errorf("%w: no JSON object in output", ErrInvalidPayload)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	rawReply, ok := fields["dispatcherResponse"]
	if !ok {
		return Payload{}, fmt.Errorf("%w: missing dispatcherResponse", ErrInvalidPayload)
	}
	var reply string
	if err := json.Unmarshal(rawReply, &reply); err != nil {
		return Payload{}, fmt.Errorf("%w: dispatcherResponse: %v", ErrInvalidPayload, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return Payload{}, fmt.Errorf("%w: empty dispatcherResponse", ErrInvalidPayload)
	}

	rawData, ok := fields["emergencyData"]
	if !ok {
		return Payload{}, fmt.Errorf("%w: missing emergencyData", ErrInvalidPayload)
	}
	if bytes.Equal(bytes.TrimSpace(rawData), []byte("null")) {
		return Payload{Reply: reply}, nil
	}

	rec, err := decodeRecord(rawData)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Record: &rec, Reply: reply}, nil
}

func decodeRecord(data json.RawMessage) (emergency.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return emergency.Record{}, fmt.Errorf("%w: emergencyData: %v", ErrInvalidPayload, err)
	}

	typ, err := emergency.ParseType(w.Type)
	if err != nil {
		return emergency.Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	sev, err := emergency.ParseSeverity(w.Severity)
	if err != nil {
		return emergency.Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	rec := emergency.Record{
		Type:        typ,
		Severity:    sev,
		Description: strings.TrimSpace(w.Description),
		Latitude:    w.Latitude,
		Longitude:   w.Longitude,
	}
	if w.Location != nil {
		rec.Location = strings.TrimSpace(*w.Location)
	}
	if w.Casualties != nil {
		rec.Casualties = *w.Casualties
	}
	if err := rec.Validate(); err != nil {
		return emergency.Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return rec, nil
}

// extractObject strips markdown fences and returns the first balanced JSON
// object in s.
func extractObject(s string) (string, bool) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, fence := range []string{"```json", "```JSON", "```"} {
		s = strings.ReplaceAll(s, fence, "")
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
