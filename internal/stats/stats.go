package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

// Metric names registered at startup.
const (
	ActiveSubscriptions = "ActiveSubscriptions"
	SnapshotsDelivered  = "SnapshotsDelivered"
	CrossRoomDrops      = "CrossRoomDrops"
	TransactionRetries  = "TransactionRetries"
	MessagesSent        = "MessagesSent"
	MessagesDeleted     = "MessagesDeleted"
	OrphanedBlobs       = "OrphanedBlobs"
	ActiveClients       = "ActiveClients"
)

var allMetrics = []string{
	ActiveSubscriptions,
	SnapshotsDelivered,
	CrossRoomDrops,
	TransactionRetries,
	MessagesSent,
	MessagesDeleted,
	OrphanedBlobs,
	ActiveClients,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater funnels counter updates through a single goroutine so
// callers on hot paths never contend on the expvar map.
type StatsUpdater struct {
	vars    *expvar.Map
	updates chan metricDelta
}

type metricDelta struct {
	name  string
	delta int64
}

// NewStatsUpdater creates a new stats updater instance.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:    statsMap(),
		updates: make(chan metricDelta, 512),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
	for _, name := range allMetrics {
		su.RegisterMetric(name)
	}

	return su
}

// statsMap reuses the exported map if one is already published;
// expvar panics on duplicate names.
func statsMap() *expvar.Map {
	if v := expvar.Get("studysync-stats"); v != nil {
		return v.(*expvar.Map)
	}
	return expvar.NewMap("studysync-stats")
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	out := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		out[kv.Key] = value
	})

	json.NewEncoder(w).Encode(out)
}

func (su *StatsUpdater) apply() {
	for req := range su.updates {
		metric := su.vars.Get(req.name)
		if metric == nil {
			panic("metric not found: " + req.name)
		}

		metric.(*expvar.Int).Add(req.delta)
	}
}

func (su *StatsUpdater) enqueue(name string, delta int64) {
	su.updates <- metricDelta{name: name, delta: delta}
}

func (su *StatsUpdater) Incr(name string) { su.enqueue(name, 1) }

func (su *StatsUpdater) Decr(name string) { su.enqueue(name, -1) }

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.apply()
}

func (su *StatsUpdater) Stop() {
	close(su.updates)
}
