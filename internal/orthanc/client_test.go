package orthanc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{URL: srv.URL + "/", Timeout: 5 * time.Second})
}

func TestGetChanges(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/changes", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("since"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		io.WriteString(w, `{
			"Changes": [
				{"Seq": 11, "ChangeType": "NewInstance", "ResourceType": "Instance", "ID": "i-11", "Path": "/instances/i-11", "Date": "20240101T120000"},
				{"Seq": 12, "ChangeType": "StableStudy", "ResourceType": "Study", "ID": "s-12", "Path": "/studies/s-12", "Date": "20240101T120100"}
			],
			"Done": true,
			"Last": 12
		}`)
	})

	changes, last, done, err := client.GetChanges(context.Background(), 10, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), last)
	assert.True(t, done)
	require.Len(t, changes, 2)
	assert.Equal(t, types.ChangeNewInstance, changes[0].ChangeType)
	assert.Equal(t, "s-12", changes[1].ResourceID)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		notFound bool
	}{
		{"not found", http.StatusNotFound, true},
		{"server error", http.StatusInternalServerError, false},
		{"forbidden", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, "nope")
			})

			_, err := client.GetInstanceFile(context.Background(), "abc")
			require.Error(t, err)
			assert.Equal(t, tt.notFound, IsNotFound(err))

			var httpErr *HTTPError
			if tt.notFound {
				assert.False(t, errors.As(err, &httpErr))
				return
			}
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, "/instances/abc/file", httpErr.Path)
		})
	}
}

func TestAuthentication(t *testing.T) {
	t.Run("basic auth", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "orthanc", user)
			assert.Equal(t, "secret", pass)
			io.WriteString(w, `{"Name":"a"}`)
		}))
		defer srv.Close()

		client := NewClient(Config{URL: srv.URL, User: "orthanc", Password: "secret"})
		assert.True(t, client.IsAlive(context.Background()))
	})

	t.Run("api key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _, ok := r.BasicAuth()
			assert.False(t, ok)
			assert.Equal(t, "k-123", r.Header.Get("api-key"))
			io.WriteString(w, `{"Name":"a","OverwriteInstances":true}`)
		}))
		defer srv.Close()

		client := NewClient(Config{URL: srv.URL, APIKey: "k-123", User: "ignored"})
		sys, err := client.GetSystem(context.Background())
		require.NoError(t, err)
		assert.True(t, sys.OverwriteInstances)
	})
}

func TestUploadAndSend(t *testing.T) {
	var storeBody storeRequest
	var transfer transferRequest

	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instances":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/dicom", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "DICM", string(body))
			io.WriteString(w, `{"ID":"new-id","Status":"Success"}`)
		case "/peers/remote/store":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&storeBody))
			io.WriteString(w, `{}`)
		case "/transfers/send":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&transfer))
			io.WriteString(w, `{}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	id, err := client.Upload(ctx, []byte("DICM"))
	require.NoError(t, err)
	assert.Equal(t, "new-id", id)

	require.NoError(t, client.SendToPeer(ctx, "remote", []string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, storeBody.Resources)
	assert.True(t, storeBody.Synchronous)

	require.NoError(t, client.Transfer(ctx, "remote", types.ResourceStudy, []string{"st"}))
	assert.Equal(t, "remote", transfer.Peer)
	assert.Equal(t, "gzip", transfer.Compression)
	assert.Equal(t, []transferResource{{Level: "Study", ID: "st"}}, transfer.Resources)

	err = client.SendToModality(ctx, "pacs", []string{"a"})
	assert.True(t, IsNotFound(err))
}

func TestInstanceExists(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/instances/here" {
			io.WriteString(w, `{"ID":"here"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	ok, err := client.InstanceExists(context.Background(), "here")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.InstanceExists(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetInstancesSet(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/studies/st/series":
			io.WriteString(w, `[
				{"ID":"se-1","Instances":["i-1","i-2"]},
				{"ID":"se-2","Instances":["i-3"]}
			]`)
		case "/series/se-2":
			io.WriteString(w, `{"ID":"se-2","Instances":["i-3"]}`)
		case "/instances/i-3":
			io.WriteString(w, `{"ID":"i-3","ParentSeries":"se-2"}`)
		case "/series/se-1/statistics":
			io.WriteString(w, `{"UncompressedSize":"2147483648","DiskSize":"1000"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	set, err := client.GetInstancesSet(ctx, types.ResourceStudy, "st")
	require.NoError(t, err)
	assert.Equal(t, []string{"se-1", "se-2"}, set.SeriesIDs)
	assert.Equal(t, []string{"i-1", "i-2", "i-3"}, set.InstancesIDs())
	assert.Equal(t, 3, set.Count())

	set, err = client.GetInstancesSet(ctx, types.ResourceSeries, "se-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-3"}, set.InstancesIDs())

	set, err = client.GetInstancesSet(ctx, types.ResourceInstance, "i-3")
	require.NoError(t, err)
	assert.Equal(t, []string{"se-2"}, set.SeriesIDs)

	size, err := client.SeriesUncompressedSize(ctx, "se-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2147483648), size)
}

func TestInstancesSetRemove(t *testing.T) {
	set := NewInstancesSet(types.ResourceStudy, "st")
	set.AddSeries("a", []string{"1", "2"})
	set.AddSeries("b", []string{"3"})

	set.Remove("3")
	assert.Equal(t, []string{"a"}, set.SeriesIDs)

	set.Remove("1")
	assert.Equal(t, []string{"2"}, set.InstancesIDs())

	set.Remove("missing")
	assert.Equal(t, 1, set.Count())
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	client := NewClient(Config{URL: srv.URL, RateLimit: 1, RateBurst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.GetSystem(ctx)
	require.NoError(t, err)

	// the second token is a full second away
	_, err = client.GetSystem(ctx)
	assert.Error(t, err)
}
