package schema

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// FlexID is an identifier that upstream encodes as either a JSON string or a
// JSON number depending on the frame revision. It always round-trips as the
// original textual form.
type FlexID string

// UnmarshalJSON accepts string, integer, and float encodings.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// MarshalJSON re-emits numeric ids as numbers and anything else as a string.
func (f FlexID) MarshalJSON() ([]byte, error) {
	s := string(f)
	if s == "" {
		return []byte(`""`), nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(s)
}

// String returns the textual form.
func (f FlexID) String() string { return string(f) }
