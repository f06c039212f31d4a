// Package metadata fetches page titles and OpenGraph tags for newly
// created links, off the request path via the metadata-fetching queue.
package metadata

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"go.shortlink.dev/infra/go/httputils"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/go/util"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/types"
)

// maxBodySize bounds how much of a page is read when looking for
// metadata; tags past the first megabyte are not worth waiting for.
const maxBodySize = 1024 * 1024

// Fetches hit arbitrary external sites, so allow a few seconds per
// page; the whole job still runs under the queue worker's deadline.
const (
	fetchDialTimeout    = 5 * time.Second
	fetchRequestTimeout = 10 * time.Second
)

// The metadata keys stored on a link.
const (
	KeyTitle       = "title"
	KeyDescription = "description"
	KeyImage       = "image"
	KeySiteName    = "siteName"
)

// FetchPayload is the metadata-fetching job payload.
type FetchPayload struct {
	LinkID types.LinkID `json:"linkId"`
}

// Fetcher retrieves page metadata.
type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher with sane timeouts.
func New() *Fetcher {
	return &Fetcher{
		client: httputils.NewConfiguredTimeoutClient(fetchDialTimeout, fetchRequestTimeout),
	}
}

// NewWithClient returns a Fetcher using the given client; used by tests.
func NewWithClient(client *http.Client) *Fetcher {
	return &Fetcher{
		client: client,
	}
}

// Fetch GETs the url and extracts the title and OpenGraph tags.
func (f *Fetcher) Fetch(ctx context.Context, url string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, skerr.Wrapf(err, "building request for %s", url)
	}
	req.Header.Set("User-Agent", "shortlink-metadata/1.0")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching %s", url)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, skerr.Fmt("fetching %s: status %d", url, resp.StatusCode)
	}
	return parse(io.LimitReader(resp.Body, maxBodySize))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// parse walks the document looking for <title> and OpenGraph <meta>
// tags. OpenGraph values win over their fallbacks.
func parse(r io.Reader) (map[string]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing html")
	}
	ret := map[string]string{}
	title := ""
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				content := attr(n, "content")
				if content == "" {
					break
				}
				switch attr(n, "property") {
				case "og:title":
					ret[KeyTitle] = content
				case "og:description":
					ret[KeyDescription] = content
				case "og:image":
					ret[KeyImage] = content
				case "og:site_name":
					ret[KeySiteName] = content
				}
				if attr(n, "name") == "description" && ret[KeyDescription] == "" {
					ret[KeyDescription] = content
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if ret[KeyTitle] == "" && title != "" {
		ret[KeyTitle] = title
	}
	return ret, nil
}

// NewHandler returns the metadata-fetching job handler: it loads the
// link, fetches its page metadata, and stores what it found. A page
// without metadata is not an error.
func NewHandler(linkStore links.Store, fetcher *Fetcher) jobqueue.Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		var payload FetchPayload
		if err := job.DecodePayload(&payload); err != nil {
			return err
		}
		l, err := linkStore.GetByID(ctx, payload.LinkID)
		if err != nil {
			// The link may have been deleted since; nothing to retry.
			sklog.Warningf("Skipping metadata fetch for %s: %s", payload.LinkID, err)
			return nil
		}
		meta, err := fetcher.Fetch(ctx, l.OriginalURL)
		if err != nil {
			return err
		}
		if len(meta) == 0 {
			return nil
		}
		l.URLMetadata = meta
		if l.Title == "" {
			l.Title = meta[KeyTitle]
		}
		if l.Description == "" {
			l.Description = meta[KeyDescription]
		}
		return linkStore.Update(ctx, l)
	}
}
