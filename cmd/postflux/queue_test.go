package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runQueueCmd(t *testing.T, apiURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newQueueCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append(args, "--api", apiURL))
	err := cmd.Execute()
	return out.String(), err
}

func TestQueueStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/queue/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"paused":true,"on_hold":3,"next_wake_up":"2026-01-02T15:04:05Z","messages":12}`))
	}))
	defer srv.Close()

	out, err := runQueueCmd(t, srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "3")
}

func TestQueueListCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/queue/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"42","from":"a@b.c","recipients":["x@example.org"],"size":5,"created_at":0,
			"domains":[{"name":"example.org","status":"temporary_failure","attempts":2,"next_due":60,"expires":9999}]}]`))
	}))
	defer srv.Close()

	out, err := runQueueCmd(t, srv.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "example.org")
	assert.Contains(t, out, "temporary_failure")
}

func TestQueueListEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	out, err := runQueueCmd(t, srv.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No messages in queue")
}

func TestQueueCommandSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"message not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := runQueueCmd(t, srv.URL, "delete", "7")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "404"))
}

func TestQueuePauseCommand(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, "POST", r.Method)
		w.Write([]byte(`{"paused":true}`))
	}))
	defer srv.Close()

	out, err := runQueueCmd(t, srv.URL, "pause")
	require.NoError(t, err)
	assert.Equal(t, "/api/queue/pause", gotPath)
	assert.Contains(t, out, "paused")
}
