package clickindex

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/olivere/elastic/v7"

	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/types"
)

const (
	// probeInterval is how often the background loop pings a healthy
	// backend.
	probeInterval = 15 * time.Second
	// reconnectMaxInterval caps the backoff between reconnect probes.
	reconnectMaxInterval = 30 * time.Second

	facetSize = 10
)

// mapping fixes the field types; keyword fields feed terms aggregations
// and the ip field feeds the unique-clicks cardinality.
const mapping = `{
	"mappings": {
		"properties": {
			"linkId":      {"type": "keyword"},
			"userId":      {"type": "keyword"},
			"shortCode":   {"type": "keyword"},
			"originalUrl": {"type": "text"},
			"campaign":    {"type": "keyword"},
			"timestamp":   {"type": "date"},
			"ipAddress":   {"type": "ip"},
			"country":     {"type": "keyword"},
			"city":        {"type": "keyword"},
			"deviceType":  {"type": "keyword"},
			"browser":     {"type": "keyword"},
			"os":          {"type": "keyword"},
			"referrer":    {"type": "keyword"},
			"userAgent":   {"type": "text"}
		}
	}
}`

// ElasticIndex implements Index against an Elasticsearch 7 cluster.
type ElasticIndex struct {
	client *elastic.Client
	url    string
	ready  atomic.Bool
}

// NewElastic connects to the cluster, creates the index if it is absent,
// and starts the background health probe. The returned gateway is Ready.
func NewElastic(ctx context.Context, url, username, password string) (*ElasticIndex, error) {
	opts := []elastic.ClientOptionFunc{
		elastic.SetURL(url),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	}
	if username != "" {
		opts = append(opts, elastic.SetBasicAuth(username, password))
	}
	client, err := elastic.NewClient(opts...)
	if err != nil {
		return nil, skerr.Wrapf(err, "connecting to elasticsearch at %s", url)
	}
	e := &ElasticIndex{
		client: client,
		url:    url,
	}
	if err := e.ensureIndex(ctx); err != nil {
		return nil, err
	}
	e.ready.Store(true)
	go e.probeLoop(ctx)
	return e, nil
}

func (e *ElasticIndex) ensureIndex(ctx context.Context) error {
	exists, err := e.client.IndexExists(IndexName).Do(ctx)
	if err != nil {
		return skerr.Wrapf(err, "checking for index %s", IndexName)
	}
	if exists {
		return nil
	}
	if _, err := e.client.CreateIndex(IndexName).BodyString(mapping).Do(ctx); err != nil {
		return skerr.Wrapf(err, "creating index %s", IndexName)
	}
	return nil
}

// probeLoop pings the backend. While unhealthy it retries with capped
// exponential backoff; once healthy it settles to a steady interval.
func (e *ElasticIndex) probeLoop(ctx context.Context) {
	liveness := metrics2.NewLiveness("clickindex_probe")
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = reconnectMaxInterval
	bo.MaxElapsedTime = 0
	for {
		wait := probeInterval
		if !e.ready.Load() {
			wait = bo.NextBackOff()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		_, _, err := e.client.Ping(e.url).Do(ctx)
		if err != nil {
			if e.ready.CompareAndSwap(true, false) {
				sklog.Errorf("Analytics index became unreachable: %s", err)
				bo.Reset()
			}
			continue
		}
		if e.ready.CompareAndSwap(false, true) {
			sklog.Infof("Analytics index is reachable again.")
		}
		liveness.Reset()
	}
}

// Ready implements Index.
func (e *ElasticIndex) Ready() bool {
	return e.ready.Load()
}

// TrackClick implements Index.
func (e *ElasticIndex) TrackClick(ctx context.Context, doc Doc) error {
	if _, err := e.client.Index().Index(IndexName).BodyJson(doc).Do(ctx); err != nil {
		return skerr.Wrapf(err, "indexing click for link %s", doc.LinkID)
	}
	return nil
}

// TrackClicksBatch implements Index.
func (e *ElasticIndex) TrackClicksBatch(ctx context.Context, docs []Doc) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	bulk := e.client.Bulk()
	for _, doc := range docs {
		bulk.Add(elastic.NewBulkIndexRequest().Index(IndexName).Doc(doc))
	}
	resp, err := bulk.Do(ctx)
	if err != nil {
		return 0, skerr.Wrapf(err, "bulk-indexing %d clicks", len(docs))
	}
	failed := len(resp.Failed())
	succeeded := len(docs) - failed
	if failed > 0 {
		metrics2.GetCounter("clickindex_bulk_failed").Inc(int64(failed))
		return succeeded, skerr.Fmt("bulk index: %d of %d documents failed", failed, len(docs))
	}
	return succeeded, nil
}

func statsAggregations(search *elastic.SearchService) *elastic.SearchService {
	return search.
		Aggregation("unique", elastic.NewCardinalityAggregation().Field("ipAddress")).
		Aggregation("daily", elastic.NewDateHistogramAggregation().
			Field("timestamp").CalendarInterval("day").Format("yyyy-MM-dd")).
		Aggregation("countries", elastic.NewTermsAggregation().
			Field("country").Size(facetSize).Missing(Unknown)).
		Aggregation("devices", elastic.NewTermsAggregation().
			Field("deviceType").Size(facetSize).Missing(Unknown)).
		Aggregation("browsers", elastic.NewTermsAggregation().
			Field("browser").Size(facetSize).Missing(Unknown))
}

func facets(aggs elastic.Aggregations, name string) []FacetCount {
	ret := []FacetCount{}
	terms, ok := aggs.Terms(name)
	if !ok {
		return ret
	}
	for _, b := range terms.Buckets {
		value, ok := b.Key.(string)
		if !ok || value == "" {
			value = Unknown
		}
		ret = append(ret, FacetCount{Value: value, Count: b.DocCount})
	}
	return ret
}

func statsFromResult(res *elastic.SearchResult) *Stats {
	ret := &Stats{
		TotalClicks:  res.TotalHits(),
		DailyClicks:  []DailyCount{},
		TopCountries: facets(res.Aggregations, "countries"),
		TopDevices:   facets(res.Aggregations, "devices"),
		TopBrowsers:  facets(res.Aggregations, "browsers"),
	}
	if card, ok := res.Aggregations.Cardinality("unique"); ok && card.Value != nil {
		ret.UniqueClicks = int64(*card.Value)
	}
	if hist, ok := res.Aggregations.DateHistogram("daily"); ok {
		for _, b := range hist.Buckets {
			date := ""
			if b.KeyAsString != nil {
				date = *b.KeyAsString
			}
			ret.DailyClicks = append(ret.DailyClicks, DailyCount{Date: date, Clicks: b.DocCount})
		}
	}
	return ret
}

func (e *ElasticIndex) stats(ctx context.Context, query elastic.Query) (*Stats, error) {
	search := e.client.Search(IndexName).Query(query).Size(0).TrackTotalHits(true)
	res, err := statsAggregations(search).Do(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "running stats aggregation")
	}
	return statsFromResult(res), nil
}

// GetClickStats implements Index.
func (e *ElasticIndex) GetClickStats(ctx context.Context, linkID types.LinkID, start, end time.Time) (*Stats, error) {
	query := elastic.NewBoolQuery().
		Filter(elastic.NewTermQuery("linkId", string(linkID))).
		Filter(elastic.NewRangeQuery("timestamp").Gte(start).Lte(end))
	return e.stats(ctx, query)
}

// userAnalyticsQuery matches a user's documents in the trailing window,
// anchored on the context clock.
func userAnalyticsQuery(ctx context.Context, userID types.UserID, window time.Duration) *elastic.BoolQuery {
	return elastic.NewBoolQuery().
		Filter(elastic.NewTermQuery("userId", string(userID))).
		Filter(elastic.NewRangeQuery("timestamp").Gte(now.Now(ctx).Add(-window)))
}

// GetUserAnalytics implements Index.
func (e *ElasticIndex) GetUserAnalytics(ctx context.Context, userID types.UserID, window time.Duration) (*Stats, error) {
	return e.stats(ctx, userAnalyticsQuery(ctx, userID, window))
}

// GetRealTimeClicks implements Index.
func (e *ElasticIndex) GetRealTimeClicks(ctx context.Context, userID types.UserID, nMinutes int) (int64, error) {
	query := userAnalyticsQuery(ctx, userID, time.Duration(nMinutes)*time.Minute)
	n, err := e.client.Count(IndexName).Query(query).Do(ctx)
	if err != nil {
		return 0, skerr.Wrapf(err, "counting realtime clicks for %s", userID)
	}
	return n, nil
}

// SearchClicks implements Index.
func (e *ElasticIndex) SearchClicks(ctx context.Context, userID types.UserID, filters SearchFilters, page, size int) (*SearchResults, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	query := elastic.NewBoolQuery().
		Filter(elastic.NewTermQuery("userId", string(userID)))
	if !filters.Start.IsZero() || !filters.End.IsZero() {
		rq := elastic.NewRangeQuery("timestamp")
		if !filters.Start.IsZero() {
			rq = rq.Gte(filters.Start)
		}
		if !filters.End.IsZero() {
			rq = rq.Lte(filters.End)
		}
		query = query.Filter(rq)
	}
	if filters.Campaign != "" {
		query = query.Filter(elastic.NewTermQuery("campaign", filters.Campaign))
	}
	if filters.Country != "" {
		query = query.Filter(elastic.NewTermQuery("country", filters.Country))
	}
	if filters.DeviceType != "" {
		query = query.Filter(elastic.NewTermQuery("deviceType", string(filters.DeviceType)))
	}
	if filters.Text != "" {
		query = query.Must(elastic.NewMultiMatchQuery(filters.Text, "originalUrl", "referrer"))
	}
	res, err := e.client.Search(IndexName).
		Query(query).
		Sort("timestamp", false).
		From((page - 1) * size).
		Size(size).
		TrackTotalHits(true).
		Do(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "searching clicks for %s", userID)
	}
	ret := &SearchResults{
		Total: res.TotalHits(),
		Docs:  []Doc{},
	}
	for _, hit := range res.Hits.Hits {
		var doc Doc
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			return nil, skerr.Wrapf(err, "decoding click document")
		}
		ret.Docs = append(ret.Docs, doc)
	}
	return ret, nil
}

var _ Index = (*ElasticIndex)(nil)
