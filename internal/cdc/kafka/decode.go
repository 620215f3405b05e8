package kafka

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// errSkip marks messages that carry no change to sync (tombstones, deletes, truncates)
var errSkip = errors.New("message carries no syncable change")

// dbzCustomer is a dbo.customers row as serialized by Debezium
type dbzCustomer struct {
	ID        int64           `json:"id"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Email     string          `json:"email"`
	Line1     *string         `json:"line1"`
	Line2     *string         `json:"line2"`
	Postcode  *string         `json:"postcode"`
	City      *string         `json:"city"`
	State     *string         `json:"state"`
	Country   *string         `json:"country"`
	CreatedAt json.RawMessage `json:"created_at"`
}

type dbzEnvelope struct {
	Before *dbzCustomer `json:"before"`
	After  *dbzCustomer `json:"after"`
	Op     string       `json:"op"`
	TsMS   *int64       `json:"ts_ms"`
}

// schemaEnvelope is the JSON converter output with schemas enabled
type schemaEnvelope struct {
	Schema  json.RawMessage `json:"schema"`
	Payload json.RawMessage `json:"payload"`
}

// decodeEnvelope accepts payload-only and schema+payload envelopes, either of
// which may arrive as a JSON string.
func decodeEnvelope(value []byte) (dbzEnvelope, error) {
	var env dbzEnvelope
	value = bytes.TrimSpace(value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return env, errSkip
	}

	if value[0] == '"' {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return env, fmt.Errorf("unwrapping string payload: %w", err)
		}
		value = []byte(s)
	}

	var wrapped schemaEnvelope
	if err := json.Unmarshal(value, &wrapped); err == nil && len(wrapped.Payload) > 0 && !bytes.Equal(wrapped.Payload, []byte("null")) {
		value = wrapped.Payload
	}

	if err := json.Unmarshal(value, &env); err != nil {
		return env, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}

// decodeChange turns a Debezium message value into a change event
func decodeChange(value []byte) (types.ChangeEvent, error) {
	env, err := decodeEnvelope(value)
	if err != nil {
		return types.ChangeEvent{}, err
	}

	var op types.OperationType
	switch env.Op {
	case "c", "r":
		op = types.Insert
	case "u":
		op = types.Update
	case "d", "t", "":
		return types.ChangeEvent{}, errSkip
	default:
		return types.ChangeEvent{}, fmt.Errorf("unknown op %q", env.Op)
	}
	if env.After == nil {
		return types.ChangeEvent{}, fmt.Errorf("op %q without after image", env.Op)
	}

	rec, err := env.After.record()
	if err != nil {
		return types.ChangeEvent{}, err
	}
	return types.ChangeEvent{Operation: op, Record: rec}, nil
}

func (c *dbzCustomer) record() (types.CustomerRecord, error) {
	createdAt, err := parseTimestamp(c.CreatedAt)
	if err != nil {
		return types.CustomerRecord{}, fmt.Errorf("customer %d created_at: %w", c.ID, err)
	}
	return types.CustomerRecord{
		ID:        c.ID,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Email:     c.Email,
		Address: types.Address{
			Line1:    deref(c.Line1),
			Line2:    deref(c.Line2),
			Postcode: deref(c.Postcode),
			City:     deref(c.City),
			State:    deref(c.State),
			Country:  deref(c.Country),
		},
		CreatedAt: createdAt,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Epoch magnitude thresholds for Debezium time.precision.mode encodings
const (
	nanosThreshold  = 1e17
	microsThreshold = 1e14
)

// parseTimestamp reads epoch millis, micros or nanos (by magnitude) or an ISO-8601 string
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("missing")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}

	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %s", raw)
	}
	switch abs := max(n, -n); {
	case abs >= nanosThreshold:
		return time.Unix(0, n).UTC(), nil
	case abs >= microsThreshold:
		return time.UnixMicro(n).UTC(), nil
	default:
		return time.UnixMilli(n).UTC(), nil
	}
}
