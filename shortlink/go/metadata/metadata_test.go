package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/links/memlinkstore"
)

const page = `<!DOCTYPE html>
<html>
<head>
	<title>Fallback Title</title>
	<meta property="og:title" content="OG Title">
	<meta property="og:description" content="OG description text">
	<meta property="og:image" content="https://example.com/img.png">
	<meta name="description" content="plain description">
</head>
<body>hello</body>
</html>`

func TestFetch_ExtractsOpenGraphTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	meta, err := NewWithClient(server.Client()).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, "OG Title", meta[KeyTitle])
	require.Equal(t, "OG description text", meta[KeyDescription])
	require.Equal(t, "https://example.com/img.png", meta[KeyImage])
}

func TestFetch_FallsBackToTitleTag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Just A Title</title></head><body></body></html>`))
	}))
	defer server.Close()

	meta, err := NewWithClient(server.Client()).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, "Just A Title", meta[KeyTitle])
}

func TestFetch_ToleratesSlowPages(t *testing.T) {
	// External sites routinely take hundreds of milliseconds; the
	// default client must wait them out.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	meta, err := New().Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, "OG Title", meta[KeyTitle])
}

func TestFetch_Non200IsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewWithClient(server.Client()).Fetch(context.Background(), server.URL)
	require.Error(t, err)
}

func TestHandler_StoresMetadataOnTheLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer server.Close()

	ctx := context.Background()
	store := memlinkstore.New("sho.rt", nil)
	l, err := store.Create(ctx, links.CreateRequest{
		OwnerUserID: "user-1",
		OriginalURL: server.URL,
		ShortCode:   "abc123",
	})
	require.NoError(t, err)

	handler := NewHandler(store, NewWithClient(server.Client()))
	job, err := jobqueue.NewJob(jobqueue.KindMetadata, FetchPayload{LinkID: l.ID}, l.CreatedAt)
	require.NoError(t, err)
	require.NoError(t, handler(ctx, job))

	got, err := store.GetByID(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, "OG Title", got.URLMetadata[KeyTitle])
	require.Equal(t, "OG Title", got.Title)
}

func TestHandler_MissingLinkIsNotRetried(t *testing.T) {
	store := memlinkstore.New("sho.rt", nil)
	handler := NewHandler(store, New())
	job, err := jobqueue.NewJob(jobqueue.KindMetadata, FetchPayload{LinkID: "gone"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), job))
}
