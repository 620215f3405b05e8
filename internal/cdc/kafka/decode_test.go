package kafka

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/katasec/dstream-anonymizer/pkg/types"
)

const afterImage = `{"id":42,"first_name":"Ann","last_name":"Lee","email":"ann.lee@x.com",
	"line1":"1 Road","line2":null,"postcode":"N1","city":"London","state":null,"country":"UK",
	"created_at":1709294400123456789}`

var wantRecord = types.CustomerRecord{
	ID:        42,
	FirstName: "Ann",
	LastName:  "Lee",
	Email:     "ann.lee@x.com",
	Address:   types.Address{Line1: "1 Road", Postcode: "N1", City: "London", Country: "UK"},
	CreatedAt: time.Unix(0, 1709294400123456789).UTC(),
}

func TestDecodeChangeForms(t *testing.T) {
	payloadOnly := `{"before":null,"after":` + afterImage + `,"op":"c","ts_ms":1709294400200}`
	withSchema := `{"schema":{"type":"struct"},"payload":` + payloadOnly + `}`
	stringified, _ := json.Marshal(payloadOnly)

	tests := []struct {
		name  string
		value string
	}{
		{"payload only", payloadOnly},
		{"schema and payload", withSchema},
		{"stringified", string(stringified)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decodeChange([]byte(tt.value))
			if err != nil {
				t.Fatalf("decodeChange: %v", err)
			}
			want := types.ChangeEvent{Operation: types.Insert, Record: wantRecord}
			if diff := cmp.Diff(want, ev); diff != "" {
				t.Fatalf("event mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeChangeOps(t *testing.T) {
	tests := []struct {
		op      string
		want    types.OperationType
		skipped bool
	}{
		{"c", types.Insert, false},
		{"r", types.Insert, false},
		{"u", types.Update, false},
		{"d", "", true},
		{"t", "", true},
	}
	for _, tt := range tests {
		value := `{"before":` + afterImage + `,"after":` + afterImage + `,"op":"` + tt.op + `"}`
		ev, err := decodeChange([]byte(value))
		if tt.skipped {
			if !errors.Is(err, errSkip) {
				t.Errorf("op %q: expected skip, got %v", tt.op, err)
			}
			continue
		}
		if err != nil || ev.Operation != tt.want {
			t.Errorf("op %q: got %v, %v; want %v", tt.op, ev.Operation, err, tt.want)
		}
	}
}

func TestDecodeChangeRejectsMalformed(t *testing.T) {
	for _, value := range []string{`{not json`, `{"op":"c"}`, `{"op":"x","after":` + afterImage + `}`} {
		if _, err := decodeChange([]byte(value)); err == nil || errors.Is(err, errSkip) {
			t.Errorf("decodeChange(%s) = %v, want a decode error", value, err)
		}
	}
	if _, err := decodeChange(nil); !errors.Is(err, errSkip) {
		t.Errorf("tombstone should be skipped, got %v", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 0, 0, 123000000, time.UTC)
	tests := []struct {
		name string
		raw  string
	}{
		{"millis", strconv.FormatInt(want.UnixMilli(), 10)},
		{"micros", strconv.FormatInt(want.UnixMicro(), 10)},
		{"nanos", strconv.FormatInt(want.UnixNano(), 10)},
		{"rfc3339", `"2024-03-01T12:00:00.123Z"`},
		{"no zone", `"2024-03-01T12:00:00.123"`},
	}
	for _, tt := range tests {
		got, err := parseTimestamp(json.RawMessage(tt.raw))
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, want)
		}
	}
	if _, err := parseTimestamp(json.RawMessage("null")); err == nil {
		t.Errorf("null timestamp accepted")
	}
}
