package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSendsFormAndAcceptsSuccess(t *testing.T) {
	var got http.Header
	var form map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		got = r.Header.Clone()
		assert.NoError(t, r.ParseForm())
		form = map[string]string{
			"studentId": r.PostForm.Get("studentId"),
			"name":      r.PostForm.Get("name"),
			"email":     r.PostForm.Get("email"),
			"status":    r.PostForm.Get("status"),
		}
		_, _ = w.Write([]byte(`{"result":"success"}`))
	}))
	defer server.Close()

	client := NewClient(server.Client())
	err := client.Write(context.Background(), server.URL+"/exec", Payload{
		StudentID: "A1",
		Name:      "ALICE",
		Email:     "a@x.com",
		Status:    "P",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", got.Get("Content-Type"))
	assert.Equal(t, map[string]string{"studentId": "A1", "name": "ALICE", "email": "a@x.com", "status": "P"}, form)
}

func TestWriteFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "non-2xx",
			status: http.StatusTooManyRequests,
			body:   "slow down",
			check: func(t *testing.T, err error) {
				var httpErr *HTTPError
				require.True(t, errors.As(err, &httpErr))
				assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
				assert.Equal(t, "slow down", httpErr.Body)
			},
		},
		{
			name:   "unparseable body",
			status: http.StatusOK,
			body:   "<html>busy</html>",
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
		{
			name:   "rejected envelope",
			status: http.StatusOK,
			body:   `{"result":"error","message":"lock timeout"}`,
			check: func(t *testing.T, err error) {
				var rejected *RejectedError
				require.True(t, errors.As(err, &rejected))
				assert.Equal(t, "lock timeout", rejected.Message)
			},
		},
		{
			name:   "missing result",
			status: http.StatusOK,
			body:   `{}`,
			check: func(t *testing.T, err error) {
				var rejected *RejectedError
				assert.True(t, errors.As(err, &rejected))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			err := NewClient(server.Client()).Write(context.Background(), server.URL, Payload{StudentID: "A1"})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestWriteRejectsBadEndpoint(t *testing.T) {
	client := NewClient(nil)
	assert.Error(t, client.Write(context.Background(), "", Payload{}))
	assert.Error(t, client.Write(context.Background(), "ftp://example.com", Payload{}))
}

func TestWriteHonorsContextTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := NewClient(server.Client()).Write(ctx, server.URL, Payload{StudentID: "A1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSnapshotSendsCacheBustingRead(t *testing.T) {
	var query map[string][]string
	var cacheControl string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		query = r.URL.Query()
		cacheControl = r.Header.Get("Cache-Control")
		_, _ = w.Write([]byte(`[
			{"studentId":"a1","name":"Alice","email":"A@X.com","status":"A","timestamp":"2024-03-01T10:00:00Z"},
			{"studentId":1042,"name":"Bob","email":"b@x.com","status":null,"timestamp":1709287200000},
			{"studentId":"c3","name":"Cara","email":"c@x.com"}
		]`))
	}))
	defer server.Close()

	client := NewClient(server.Client())
	client.now = func() time.Time { return time.Unix(0, 12345) }
	items, err := client.Snapshot(context.Background(), server.URL+"/exec?key=abc")
	require.NoError(t, err)

	assert.Equal(t, []string{"read"}, query["action"])
	assert.Equal(t, []string{"12345"}, query["_"])
	assert.Equal(t, []string{"abc"}, query["key"])
	assert.Equal(t, "no-cache", cacheControl)

	require.Len(t, items, 3)
	assert.Equal(t, Text("a1"), items[0].StudentID)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), items[0].Timestamp.Time)
	assert.Equal(t, Text("1042"), items[1].StudentID)
	assert.Equal(t, Text(""), items[1].Status)
	assert.Equal(t, time.UnixMilli(1709287200000).UTC(), items[1].Timestamp.Time)
	assert.True(t, items[2].Timestamp.IsZero())
}

func TestSnapshotRejectsSchemaViolations(t *testing.T) {
	for _, body := range []string{
		`{"rows":[]}`,
		`[{"studentId":{"nested":true}}]`,
		`["A1"]`,
		`not json`,
	} {
		_, err := DecodeSnapshot([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedResponse, body)
	}
}

func TestSnapshotAcceptsNumericCells(t *testing.T) {
	items, err := DecodeSnapshot([]byte(`[
		{"studentId":"a1","name":"Alice","email":0,"status":1},
		{"studentId":"b2","name":"Bob","email":"b@x.com","status":"A"}
	]`))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, Text("0"), items[0].Email)
	assert.Equal(t, Text("1"), items[0].Status)
	assert.Equal(t, Text("A"), items[1].Status)
}

func TestSnapshotPropagatesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.Client()).Snapshot(context.Background(), server.URL)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

func TestTimestampFormats(t *testing.T) {
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), parseTimestamp("2024-01-02T03:04:05Z"))
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), parseTimestamp("2024-01-02 03:04:05"))
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), parseTimestamp("1700000000000"))
	assert.True(t, parseTimestamp("yesterday").IsZero())
	assert.True(t, parseTimestamp("").IsZero())
}
