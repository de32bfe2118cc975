package extraction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
	"github.com/TheSigmaSociety/DisasterDesk/internal/llm"
)

// SchemaVersion identifies the request/response contract below. Bump it
// whenever the payload shape changes.
const SchemaVersion = 1

const systemPrompt = `You are an emergency dispatcher AI answering a live 911 call. Each turn you
receive the recent conversation, the emergency record extracted so far, an
optional device location, and the caller's newest words.

Respond with exactly one JSON object (schema_version 1) and nothing else:
{
  "emergencyData": {
    "type": "FIRE" | "MEDICAL" | "POLICE" | "NATURAL_DISASTER" | "ACCIDENT" | "OTHER",
    "severity": "LOW" | "MEDIUM" | "HIGH" | "CRITICAL",
    "description": string,
    "location": string,
    "casualties": non-negative integer,
    "latitude": number | null,
    "longitude": number | null
  } | null,
  "dispatcherResponse": string
}

Rules:
- emergencyData is null until the caller has described an emergency.
- emergencyData is always a complete record, never a partial patch.
- If a current record exists, change it only when the newest words add or
  correct information. Otherwise return the current record exactly as given.
- dispatcherResponse is what you say next: one sentence, at most two. Calm,
  direct, one question or instruction at a time.`

const hintPolicy = `A device location is available. Treat these coordinates as authoritative:
copy them into latitude and longitude. Do not ask where the caller is; only
ask for corroborating detail such as a street address, cross street,
building or floor if it is still unknown.`

const noHintPolicy = `No device location is available. Until the record has a usable location,
your highest-priority follow-up is to ask where the emergency is.`

// BuildMessages renders the request for one extraction turn.
func BuildMessages(in Input) []llm.Message {
	policy := noHintPolicy
	if in.Hint != nil {
		policy = hintPolicy
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	if strings.TrimSpace(in.Context) == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(in.Context)
		b.WriteString("\n")
	}

	b.WriteString("\nCurrent emergency record:\n")
	b.WriteString(currentRecordJSON(in.Current))
	b.WriteString("\n")

	b.WriteString("\nDevice location: ")
	if in.Hint != nil {
		fmt.Fprintf(&b, "latitude %.6f, longitude %.6f\n", in.Hint.Latitude, in.Hint.Longitude)
	} else {
		b.WriteString("unknown\n")
	}

	fmt.Fprintf(&b, "\nCaller just said: %q\n", strings.TrimSpace(in.Utterance))

	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleSystem, Content: policy},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

func currentRecordJSON(r *emergency.Record) string {
	if r == nil {
		return "null"
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "null"
	}
	return string(data)
}
