// Package livestats pushes periodic service snapshots to connected admin
// viewers over server-sent events. The snapshot is gathered once per
// tick no matter how many viewers are connected.
package livestats

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"

	"go.shortlink.dev/infra/go/cache"
	"go.shortlink.dev/infra/go/metrics2"
	"go.shortlink.dev/infra/go/now"
	"go.shortlink.dev/infra/go/skerr"
	"go.shortlink.dev/infra/go/sklog"
	"go.shortlink.dev/infra/shortlink/go/clickindex"
	"go.shortlink.dev/infra/shortlink/go/clicks"
	"go.shortlink.dev/infra/shortlink/go/jobqueue"
	"go.shortlink.dev/infra/shortlink/go/links"
	"go.shortlink.dev/infra/shortlink/go/user"
)

const (
	// StreamID is the SSE stream viewers subscribe to.
	StreamID = "stats"

	gatherInterval    = 10 * time.Second
	heartbeatInterval = 30 * time.Second

	// maxSubscribers bounds the viewer set; the connection that has gone
	// longest without a successful write is evicted to admit a new one.
	maxSubscribers = 100
)

// Pinger is the slice of the primary store the gatherer needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sources are the dependencies a snapshot is gathered from.
type Sources struct {
	Queue  jobqueue.Service
	Index  clickindex.Index
	DB     Pinger
	Cache  cache.Cache
	Users  user.Store
	Links  links.Store
	Clicks clicks.Store
}

// Snapshot is one emitted stats frame.
type Snapshot struct {
	Timestamp  time.Time      `json:"timestamp"`
	Queues     jobqueue.Stats `json:"queues"`
	IndexReady bool           `json:"indexReady"`
	DBReady    bool           `json:"dbReady"`
	CacheReady bool           `json:"cacheReady"`
	Users      int64          `json:"users"`
	Links      int64          `json:"links"`
	// ClicksToday counts clicks since midnight UTC.
	ClicksToday int64 `json:"clicksToday"`
}

type subscriber struct {
	id          string
	connectedAt time.Time
	cancel      context.CancelFunc

	mu sync.Mutex
	// lastWrite is when this connection last accepted bytes; a stalled
	// client stops advancing it and becomes the eviction candidate.
	lastWrite time.Time
}

func (sub *subscriber) last() time.Time {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.lastWrite
}

func (sub *subscriber) touch(t time.Time) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if t.After(sub.lastWrite) {
		sub.lastWrite = t
	}
}

// Server gathers snapshots and fans them out.
type Server struct {
	sources Sources
	sse     *sse.Server

	// mutex guards subscribers, the only process-wide mutable collection
	// outside the stores.
	mutex       sync.Mutex
	subscribers []*subscriber

	gatherFailures metrics2.Counter
	viewers        metrics2.Int64Metric
}

// New returns an unstarted Server.
func New(sources Sources) *Server {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(StreamID)
	return &Server{
		sources:        sources,
		sse:            server,
		gatherFailures: metrics2.GetCounter("livestats_gather_failures"),
		viewers:        metrics2.GetInt64Metric("livestats_viewers"),
	}
}

// Gather computes one snapshot. Counting failures abort the snapshot;
// readiness probes only flip their flag.
func (s *Server) Gather(ctx context.Context) (*Snapshot, error) {
	nowTime := now.Now(ctx)
	snap := &Snapshot{
		Timestamp:  nowTime,
		Queues:     s.sources.Queue.Stats(),
		IndexReady: s.sources.Index.Ready(),
		DBReady:    s.sources.DB.Ping(ctx) == nil,
		CacheReady: s.sources.Cache.Ping(ctx) == nil,
	}
	users, err := s.sources.Users.Count(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "counting users")
	}
	snap.Users = users
	linkCount, err := s.sources.Links.Count(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "counting links")
	}
	snap.Links = linkCount
	midnight := time.Date(nowTime.Year(), nowTime.Month(), nowTime.Day(), 0, 0, 0, 0, time.UTC)
	clicksToday, err := s.sources.Clicks.CountSince(ctx, midnight)
	if err != nil {
		return nil, skerr.Wrapf(err, "counting clicks since midnight")
	}
	snap.ClicksToday = clicksToday
	return snap, nil
}

func (s *Server) publish(event string, data []byte) {
	s.sse.Publish(StreamID, &sse.Event{
		Event: []byte(event),
		Data:  data,
	})
}

func (s *Server) tick(ctx context.Context) {
	snap, err := s.Gather(ctx)
	if err != nil {
		// The stream survives a bad tick; viewers see an error event and
		// the next tick retries.
		s.gatherFailures.Inc(1)
		sklog.Errorf("Live-stats gather failed: %s", err)
		s.publish("error", []byte(`{"error":"stats temporarily unavailable"}`))
		return
	}
	b, err := json.Marshal(snap)
	if err != nil {
		sklog.Errorf("Failed to encode snapshot: %s", err)
		return
	}
	s.publish("stats", b)
}

// Start launches the gather and heartbeat loops; they stop when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(gatherInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.publish("heartbeat", []byte(`{}`))
			}
		}
	}()
}

// register admits a new viewer, evicting the stalest connection when
// full, and returns the subscriber and its deregistration func.
func (s *Server) register(cancel context.CancelFunc, connectedAt time.Time) (*subscriber, func()) {
	sub := &subscriber{
		id:          uuid.NewString(),
		connectedAt: connectedAt,
		cancel:      cancel,
		lastWrite:   connectedAt,
	}
	s.mutex.Lock()
	if len(s.subscribers) >= maxSubscribers {
		stalest := 0
		for i, candidate := range s.subscribers {
			if candidate.last().Before(s.subscribers[stalest].last()) {
				stalest = i
			}
		}
		evicted := s.subscribers[stalest]
		s.subscribers = append(s.subscribers[:stalest], s.subscribers[stalest+1:]...)
		evicted.cancel()
		sklog.Warningf("Evicting stalest live-stats viewer to admit a new one.")
	}
	s.subscribers = append(s.subscribers, sub)
	s.viewers.Update(int64(len(s.subscribers)))
	s.mutex.Unlock()

	return sub, func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		for i, candidate := range s.subscribers {
			if candidate.id == sub.id {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				break
			}
		}
		s.viewers.Update(int64(len(s.subscribers)))
	}
}

// SubscriberCount returns the number of connected viewers.
func (s *Server) SubscriberCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.subscribers)
}

// activityWriter stamps the subscriber on every accepted write so the
// eviction scan can tell live connections from stalled ones. Flush must
// pass through: the SSE server refuses writers that cannot flush.
type activityWriter struct {
	http.ResponseWriter
	flusher http.Flusher
	touch   func()
}

func (w *activityWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if n > 0 {
		w.touch()
	}
	return n, err
}

func (w *activityWriter) Flush() {
	w.flusher.Flush()
}

// ServeHTTP implements http.Handler; each request is one long-lived SSE
// subscription.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, deregister := s.register(cancel, now.Now(r.Context()))
	defer deregister()

	out := w
	if flusher, ok := w.(http.Flusher); ok {
		out = &activityWriter{
			ResponseWriter: w,
			flusher:        flusher,
			touch:          func() { sub.touch(now.Now(r.Context())) },
		}
	}

	// The stream id is fixed server-side; viewers need not pass one.
	q := r.URL.Query()
	q.Set("stream", StreamID)
	r.URL.RawQuery = q.Encode()
	s.sse.ServeHTTP(out, r.WithContext(ctx))
}
