package bundleservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codalab/worker-agent/pkg/types"
)

func TestCheckIn_DecodesRunAssignment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload types.CheckInPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, types.ProtocolVersion, payload.Version)

		json.NewEncoder(w).Encode(types.Message{
			Type:   types.MessageTypeRun,
			Bundle: &types.BundleAssignment{UUID: "run-1"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "worker-1", time.Second)
	msg, err := c.CheckIn(context.Background(), types.CheckInPayload{Version: types.ProtocolVersion})
	require.NoError(t, err)
	require.Equal(t, types.MessageTypeRun, msg.Type)
	assert.Equal(t, "run-1", msg.Bundle.UUID)
}

func TestCheckIn_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(types.Message{Type: types.MessageTypeNull})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "worker-1", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	msg, err := c.CheckIn(ctx, types.CheckInPayload{})
	require.NoError(t, err)
	assert.Equal(t, types.MessageTypeNull, msg.Type)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "must sleep before retrying a transient failure")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCheckIn_PermanentErrorDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "worker-1", time.Second)
	_, err := c.CheckIn(context.Background(), types.CheckInPayload{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetBundleContents_ReportsDirectoryKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Bundle-Kind", "directory")
		w.Write([]byte("tarball-bytes"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "worker-1", time.Second)
	rc, kind, err := c.GetBundleContents(context.Background(), "parent-1", "data")
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, types.BundleKindDirectory, kind)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "tarball-bytes", string(data))
}

func TestGetCode_RetriesAnyErrorIncludingPermanentOnes(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			// a 4xx stops every other call permanently, but not this one
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Write([]byte("new-code-tarball"))
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "worker-1", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := c.GetCode(ctx)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "new-code-tarball", string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGetCode_CancellationStopsTheRetryLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "worker-1", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.GetCode(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpdateRunMetadata_SendsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update RunMetadataUpdate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&update))
		assert.Equal(t, types.RunStateRunning, update.State)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "worker-1", time.Second)
	err := c.UpdateRunMetadata(context.Background(), "run-1", RunMetadataUpdate{State: types.RunStateRunning})
	require.NoError(t, err)
}
