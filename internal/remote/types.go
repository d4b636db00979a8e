package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedResponse = errors.New("malformed response")

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// RejectedError is returned when the record store answers with a well-formed
// envelope whose result is not "success".
type RejectedError struct {
	Result  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("write rejected: result=%q", e.Result)
	}
	return fmt.Sprintf("write rejected: result=%q message=%s", e.Result, e.Message)
}

// Payload is the body of one remote write.
type Payload struct {
	StudentID string `json:"studentId"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Status    string `json:"status"`
}

func (p Payload) Form() url.Values {
	form := url.Values{}
	form.Set("studentId", p.StudentID)
	form.Set("name", p.Name)
	form.Set("email", p.Email)
	form.Set("status", p.Status)
	return form
}

// Item is one row of the remote snapshot.
type Item struct {
	StudentID Text      `json:"studentId"`
	Name      Text      `json:"name"`
	Email     Text      `json:"email"`
	Status    Text      `json:"status"`
	Timestamp Timestamp `json:"timestamp"`
}

// Text decodes a JSON string, number or null. Spreadsheet-backed stores
// hand back numeric-looking cells as numbers.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: expected string or number, got %s", ErrMalformedResponse, string(data))
	}
	*t = Text(n.String())
	return nil
}

func (t Text) String() string {
	return string(t)
}

// Timestamp decodes an RFC 3339 string or a number of epoch milliseconds.
// Anything else leaves the zero time.
type Timestamp struct {
	time.Time
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	ts.Time = time.Time{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		ts.Time = parseTimestamp(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return nil
	}
	if ms, err := n.Int64(); err == nil && ms > 0 {
		ts.Time = time.UnixMilli(ms).UTC()
	}
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.UTC().Format(time.RFC3339Nano))
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}
