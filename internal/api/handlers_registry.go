package api

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/agent_observability/internal/stats"
	"github.com/fidde/agent_observability/pkg/models"
)

// maxSubscriptionEvents bounds the undelivered metrics kept per subscription.
const maxSubscriptionEvents = 100

// maxArchiveBytes bounds an uploaded metric archive.
const maxArchiveBytes = 32 << 20

// NamespaceRequest is the body of POST /api/v1/namespaces.
type NamespaceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parent      string `json:"parent,omitempty"`
}

// createNamespace registers a namespace.
// POST /api/v1/namespaces
func (s *Server) createNamespace(w http.ResponseWriter, r *http.Request) {
	var req NamespaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	ns, err := s.deps.Stats.CreateNamespace(req.Name, req.Description, req.Parent)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, ns)
}

// listNamespaces returns every namespace, including the ones created
// implicitly by recording into them.
// GET /api/v1/namespaces
func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	ns := s.deps.Stats.Namespaces()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  ns,
		"total": len(ns),
	})
}

// registerDerived registers a derived metric after validating its formula.
// POST /api/v1/derived
func (s *Server) registerDerived(w http.ResponseWriter, r *http.Request) {
	var d models.DerivedMetric
	if err := decodeJSON(w, r, &d); err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.deps.Stats.RegisterDerived(d); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, d)
}

// listDerived returns the registered derived metrics.
// GET /api/v1/derived
func (s *Server) listDerived(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Stats.DerivedMetrics()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  d,
		"total": len(d),
	})
}

// calculateDerived evaluates a derived metric over the latest values of its
// dependencies. available is false until every dependency has a value.
// GET /api/v1/derived/{name}
func (s *Server) calculateDerived(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := s.deps.Stats.Derived(name)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Derived metric not found")
		return
	}
	value, available := s.deps.Stats.CalculateDerived(name)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":         name,
		"formula":      d.Formula,
		"dependencies": d.Dependencies,
		"value":        value,
		"available":    available,
	})
}

// SnapshotRequest is the body of POST /api/v1/snapshots.
type SnapshotRequest struct {
	Name string `json:"name"`
}

// createSnapshot captures the latest value of every metric.
// POST /api/v1/snapshots
func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.respondJSON(w, http.StatusCreated, s.deps.Stats.CreateSnapshot(req.Name))
}

// listSnapshots returns the stored snapshots.
// GET /api/v1/snapshots
func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps := s.deps.Stats.Snapshots()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  snaps,
		"total": len(snaps),
	})
}

// getSnapshot returns one snapshot.
// GET /api/v1/snapshots/{name}
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Stats.Snapshot(chi.URLParam(r, "name"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "Snapshot not found")
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// archiveMetric returns the metric's history as zstd-compressed JSON.
// GET /api/v1/metrics/{name}/archive
func (s *Server) archiveMetric(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	history := s.deps.Stats.History(name)
	if len(history) == 0 {
		s.respondError(w, http.StatusNotFound, "Metric not found")
		return
	}
	blob, err := stats.CompressMetrics(history)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".json.zst"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(blob); err != nil {
		s.logger.Debug("writing archive", "metric", name, "error", err)
	}
}

// importArchive loads an archive produced by archiveMetric into the stats
// core and the query store.
// POST /api/v1/metrics/archive
func (s *Server) importArchive(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxArchiveBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "reading archive: "+err.Error())
		return
	}
	metrics, err := stats.DecompressMetrics(blob)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	imported := s.deps.Stats.ImportMetrics(metrics)
	for _, m := range metrics {
		if m.Name == "" {
			continue
		}
		if err := s.deps.Query.Insert(r.Context(), m.Name, m.Timestamp, m.Value); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	s.respondJSON(w, http.StatusCreated, map[string]int{"imported": imported})
}

// subscriptionFeed buffers the metrics delivered to one subscription until
// they are polled.
type subscriptionFeed struct {
	mu      sync.Mutex
	events  []models.Metric
	dropped int
}

func (f *subscriptionFeed) push(m models.Metric) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == maxSubscriptionEvents {
		f.events = f.events[1:]
		f.dropped++
	}
	f.events = append(f.events, m)
}

func (f *subscriptionFeed) drain() ([]models.Metric, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events, dropped := f.events, f.dropped
	f.events, f.dropped = nil, 0
	if events == nil {
		events = []models.Metric{}
	}
	return events, dropped
}

func (f *subscriptionFeed) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type subscriptionFeeds struct {
	mu    sync.RWMutex
	feeds map[string]*subscriptionFeed
}

func newSubscriptionFeeds() *subscriptionFeeds {
	return &subscriptionFeeds{feeds: make(map[string]*subscriptionFeed)}
}

func (f *subscriptionFeeds) add(id string, feed *subscriptionFeed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[id] = feed
}

func (f *subscriptionFeeds) get(id string) (*subscriptionFeed, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	feed, ok := f.feeds[id]
	return feed, ok
}

func (f *subscriptionFeeds) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.feeds, id)
}

// SubscriptionRequest is the body of POST /api/v1/subscriptions.
type SubscriptionRequest struct {
	// Pattern is a glob such as "agent.*" or an exact metric name
	Pattern string `json:"pattern"`
}

// SubscriptionInfo describes a subscription and its undelivered metrics.
type SubscriptionInfo struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"`
	Pending int    `json:"pending"`
}

// createSubscription subscribes to metrics matching a pattern. Matching
// metrics are buffered and fetched with GET /subscriptions/{id}/events.
// POST /api/v1/subscriptions
func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	if req.Pattern == "" {
		s.respondError(w, http.StatusBadRequest, "pattern is required")
		return
	}

	feed := &subscriptionFeed{}
	id := s.deps.Stats.Subscribe(req.Pattern, feed.push)
	s.feeds.add(id, feed)
	s.respondJSON(w, http.StatusCreated, SubscriptionInfo{ID: id, Pattern: req.Pattern})
}

// listSubscriptions returns the subscriptions served by the API.
// GET /api/v1/subscriptions
func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	out := []SubscriptionInfo{}
	for _, sub := range s.deps.Stats.Subscriptions() {
		feed, ok := s.feeds.get(sub.ID)
		if !ok {
			continue
		}
		out = append(out, SubscriptionInfo{ID: sub.ID, Pattern: sub.Pattern, Pending: feed.pending()})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  out,
		"total": len(out),
	})
}

// subscriptionEvents returns and drops the buffered metrics of a
// subscription. dropped counts metrics lost to the buffer bound.
// GET /api/v1/subscriptions/{id}/events
func (s *Server) subscriptionEvents(w http.ResponseWriter, r *http.Request) {
	feed, ok := s.feeds.get(chi.URLParam(r, "id"))
	if !ok {
		s.respondError(w, http.StatusNotFound, "Subscription not found")
		return
	}
	events, dropped := feed.drain()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events":  events,
		"dropped": dropped,
	})
}

// deleteSubscription unsubscribes.
// DELETE /api/v1/subscriptions/{id}
func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.feeds.get(id); !ok || !s.deps.Stats.Unsubscribe(id) {
		s.respondError(w, http.StatusNotFound, "Subscription not found")
		return
	}
	s.feeds.remove(id)
	s.respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}
