package measurement

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog"
)

// SkipReporter is notified whenever a field cannot be coerced to a number.
type SkipReporter func(namespace, field string)

// Flattener turns a JSON object payload into independent scalar Readings.
// It never fails: payloads it cannot use simply produce no readings.
type Flattener struct {
	logger zerolog.Logger
	onSkip SkipReporter
}

// NewFlattener creates a Flattener. onSkip may be nil.
func NewFlattener(logger zerolog.Logger, onSkip SkipReporter) *Flattener {
	return &Flattener{
		logger: logger.With().Str("component", "Flattener").Logger(),
		onSkip: onSkip,
	}
}

// Flatten parses payload as a JSON object and returns one Reading per top-level
// field that coerces to a number. Readings are ordered by field name.
//
// Coercion: numbers are taken as-is, booleans map to 1/0, strings map to 1 when
// they case-insensitively equal "on", "1" or "true" and to 0 otherwise. Nulls,
// nested objects and arrays are skipped.
func (f *Flattener) Flatten(namespace string, payload []byte) []types.Reading {
	fields, ok := decodeObject(payload)
	if !ok {
		f.logger.Warn().Str("namespace", namespace).Int("payload_size", len(payload)).Msg("Payload is not a JSON object, treating as empty.")
		return nil
	}
	f.logger.Debug().Str("namespace", namespace).Int("field_count", len(fields)).Msg("Decoded JSON payload.")

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	readings := make([]types.Reading, 0, len(names))
	for _, name := range names {
		value, ok := Coerce(fields[name])
		if !ok {
			f.logger.Error().Str("namespace", namespace).Str("field", name).Str("value", string(fields[name])).Msg("Could not parse json value.")
			if f.onSkip != nil {
				f.onSkip(namespace, name)
			}
			continue
		}
		readings = append(readings, types.NewReading(namespace, name, value))
	}
	return readings
}

// decodeObject returns the top-level fields of payload, or false if payload is
// not valid JSON or its top-level value is not an object.
func decodeObject(payload []byte) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// Coerce converts one raw JSON value into a float following the bridge's
// leniency rules. The boolean result is false for values that must be skipped.
func Coerce(raw json.RawMessage) (float64, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}

	switch val := v.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(val.String(), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		switch strings.ToLower(val) {
		case "on", "1", "true":
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}
