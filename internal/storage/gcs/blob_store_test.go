package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

func newTestStore(t *testing.T, handler http.Handler, pageSize int) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", PageSize: pageSize})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, store.pageSize)
	assert.Equal(t, "b", store.Bucket())
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		assert.Equal(t, "exports/job-1/manifest.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"ok":true}`)
		fmt.Fprintln(w, `{"name": "exports/job-1/manifest.json", "bucket": "test-bucket"}`)
	})
	store := newTestStore(t, handler, 0)

	uri, err := store.PutObject(context.Background(), "exports/job-1/manifest.json", "application/json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/exports/job-1/manifest.json", uri)

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler, 0)

	_, err := store.PutObject(context.Background(), "a.json", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestListObjectsFollowsPages(t *testing.T) {
	t.Parallel()

	var listCalls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "exports/job-1/", q.Get("prefix"))
		listCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("pageToken") {
		case "":
			assert.Equal(t, "2", q.Get("maxResults"))
			fmt.Fprint(w, `{"kind":"storage#objects","nextPageToken":"page-2","items":[
				{"name":"exports/job-1/","bucket":"test-bucket","size":"0","updated":"2025-01-01T00:00:00Z"},
				{"name":"exports/job-1/EVI/EVI_2024_01.tif","bucket":"test-bucket","size":"11","updated":"2025-01-01T00:00:00Z"}]}`)
		case "page-2":
			fmt.Fprint(w, `{"kind":"storage#objects","items":[
				{"name":"exports/job-1/NDVI/NDVI_2024_01.tif","bucket":"test-bucket","size":"12","updated":"2025-01-02T00:00:00Z"}]}`)
		default:
			t.Errorf("unexpected page token %q", q.Get("pageToken"))
		}
	})
	store := newTestStore(t, handler, 2)

	it := store.ListObjects(context.Background(), "exports/job-1/")
	var got []geoexport.ObjectInfo
	for {
		info, err := it.Next()
		if errors.Is(err, geoexport.ErrIteratorDone) {
			break
		}
		require.NoError(t, err)
		got = append(got, info)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "exports/job-1/EVI/EVI_2024_01.tif", got[0].Path)
	assert.Equal(t, int64(11), got[0].Size)
	assert.Equal(t, "exports/job-1/NDVI/NDVI_2024_01.tif", got[1].Path)
	assert.Equal(t, int32(2), listCalls.Load())
}

func TestListObjectsError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	})
	store := newTestStore(t, handler, 0)

	_, err := store.ListObjects(context.Background(), "exports/").Next()
	require.Error(t, err)
	assert.False(t, errors.Is(err, geoexport.ErrIteratorDone))
}
