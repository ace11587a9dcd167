package cluster

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct {
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data"`
	Name  string         `json:"name"`
	Count int            `json:"count"`
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in ping
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		in.Count++
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	var out ping
	err := PostJSON(context.Background(), srv.URL, ping{Name: "a", Count: 1}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, "a", out.Name)
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusConflict)
	}))
	defer srv.Close()

	err := GetJSON(context.Background(), srv.URL, &struct{}{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, "nope", se.Body)
}

func TestPostCBOR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ContentTypeCBOR, r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var in ping
		require.NoError(t, UnmarshalCBOR(body, &in))
		in.Name += "!"
		out, _ := MarshalCBOR(in)
		w.Header().Set("Content-Type", ContentTypeCBOR)
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	var out ping
	c := NewClient(time.Second)
	err := c.PostCBOR(context.Background(), srv.URL, ping{Name: "hi", At: at, Data: map[string]any{"k": "v"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi!", out.Name)
	assert.True(t, at.Equal(out.At), "nanosecond timestamps survive the round trip")
	assert.Equal(t, "v", out.Data["k"])
}

func TestMarshalCBORDeterministic(t *testing.T) {
	a := map[string]any{"z": 1, "a": 2, "m": map[string]any{"y": true, "b": "x"}}
	b := map[string]any{"m": map[string]any{"b": "x", "y": true}, "a": 2, "z": 1}

	ea, err := MarshalCBOR(a)
	require.NoError(t, err)
	eb, err := MarshalCBOR(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://host:80", BaseURL("host:80"))
	assert.Equal(t, "https://x", BaseURL("https://x/"))
}
