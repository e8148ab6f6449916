// Package server exposes the store over HTTP: a small JSON ops surface plus
// the Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zumicdb/zumic/internal/cluster"
	"github.com/zumicdb/zumic/internal/config"
	"github.com/zumicdb/zumic/internal/engine"
	"github.com/zumicdb/zumic/internal/metrics"
	"github.com/zumicdb/zumic/internal/zdb"
)

// Server wires the store, slot manager, and metrics behind one listener.
type Server struct {
	cfg   config.Config
	log   *zap.Logger
	store *engine.Store
	mgr   *cluster.Manager
	reb   *cluster.Rebalancer
	met   *metrics.Metrics
	http  *http.Server
}

// New builds a server from cfg, opening the store and starting background
// workers. Call Run to serve and Shutdown to stop.
func New(cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}

	storeCfg := engine.StoreConfig{
		Shards:        cfg.Storage.NumShards,
		SyncPolicy:    cfg.Storage.SyncPolicy(),
		FsyncEveryN:   cfg.Storage.FsyncEvery(),
		FsyncInterval: cfg.Storage.FsyncInterval(),
		Version:       zdb.FormatVersion(cfg.Storage.FormatVersion),
		Limits:        cfg.Storage.Limits(),
		SweepInterval: cfg.Storage.SweepInterval,
		Compaction: engine.CompactionConfig{
			MaxLogSize:  cfg.Compaction.MaxLogSize,
			MaxRecords:  cfg.Compaction.MaxRecords,
			MaxInterval: cfg.Compaction.MaxInterval,
			Retain:      cfg.Compaction.Retain,
			Compress:    cfg.Compaction.Compress,
			Version:     zdb.FormatVersion(cfg.Storage.FormatVersion),
		},
	}
	store, err := engine.Open(cfg.Storage.DataDir, storeCfg, log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		store: store,
		met:   metrics.NewMetrics(),
	}

	if cfg.Cluster.Enabled {
		s.mgr = cluster.NewManager(cfg.Storage.NumShards)
		s.reb = cluster.NewRebalancer(s.mgr, localMover{}, cluster.RebalancerConfig{
			ImbalanceRatio:  cfg.Cluster.ImbalanceRatio,
			HotKeyThreshold: cfg.Cluster.HotKeyThreshold,
			BatchSize:       cfg.Cluster.BatchSize,
			Interval:        cfg.Cluster.Interval,
			QueueDepth:      256,
		}, log)
		s.reb.Start()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/keys/", s.handleKey)
	mux.HandleFunc("/v1/mset", s.handleMSet)
	mux.HandleFunc("/v1/mget", s.handleMGet)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("/v1/cluster", s.handleCluster)
	mux.HandleFunc("/v1/cluster/keyslot", s.handleKeySlot)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.met.Handler())

	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("server listening", zap.String("addr", s.cfg.Server.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections, stops the rebalancer, and closes the store.
// The context bounds the HTTP drain; the store close always runs.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if s.reb != nil {
		s.reb.Close()
	}
	if err := s.store.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Store exposes the underlying store for embedding and tests.
func (s *Server) Store() *engine.Store { return s.store }

// localMover satisfies the rebalancer when every shard lives in this
// process: ownership changes are metadata-only, no keys move.
type localMover struct{}

func (localMover) MoveSlotKeys(context.Context, int, int, int, int) (int, error) {
	return 0, nil
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/keys/")
	if key == "" {
		s.fail(w, http.StatusBadRequest, errors.New("empty key"))
		return
	}
	if s.mgr != nil {
		s.mgr.RouteKey([]byte(key))
	}

	switch r.Method {
	case http.MethodGet:
		start := time.Now()
		v, err := s.store.Get([]byte(key))
		if errors.Is(err, engine.ErrKeyNotFound) {
			s.met.RecordRead(false, time.Since(start))
			s.fail(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		s.met.RecordRead(true, time.Since(start))
		jv, err := encodeValue(v)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		s.respond(w, http.StatusOK, jv)

	case http.MethodPut:
		var jv jsonValue
		if err := json.NewDecoder(r.Body).Decode(&jv); err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		v, err := decodeValue(jv)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		ttl, err := ttlParam(r)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		start := time.Now()
		if ttl > 0 {
			err = s.store.SetWithTTL([]byte(key), v, ttl)
		} else {
			err = s.store.Set([]byte(key), v)
		}
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		s.met.RecordWrite(1, time.Since(start))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		start := time.Now()
		existed, err := s.store.Del([]byte(key))
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		s.met.RecordDelete(time.Since(start))
		s.respond(w, http.StatusOK, map[string]bool{"deleted": existed})

	default:
		s.fail(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func ttlParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("ttl")
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func (s *Server) handleMSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.fail(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req map[string]jsonValue
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	pairs := make([]zdb.DumpEntry, 0, len(req))
	for k, jv := range req {
		v, err := decodeValue(jv)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		pairs = append(pairs, zdb.DumpEntry{Key: []byte(k), Value: v})
	}
	start := time.Now()
	if err := s.store.MSet(pairs); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.met.RecordWrite(len(pairs), time.Since(start))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.fail(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var keys []string
	if err := json.NewDecoder(r.Body).Decode(&keys); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	raw := make([][]byte, len(keys))
	for i, k := range keys {
		raw[i] = []byte(k)
	}
	vals, err := s.store.MGet(raw)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	out := make(map[string]*jsonValue, len(keys))
	for i, k := range keys {
		if vals[i] == nil {
			out[k] = nil
			continue
		}
		jv, err := encodeValue(*vals[i])
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		out[k] = &jv
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	s.met.SetLiveKeys(stats.Entries)
	s.met.SetLogBytes(stats.LogSize)
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.fail(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if err := s.store.Snapshot(); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.met.RecordSnapshot()
	snaps, _ := s.store.Snapshots()
	s.respond(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	if s.mgr == nil {
		s.fail(w, http.StatusNotFound, errors.New("cluster mode disabled"))
		return
	}
	s.met.SetEpoch(s.mgr.Epoch())
	s.respond(w, http.StatusOK, map[string]any{
		"epoch":     s.mgr.Epoch(),
		"shards":    s.mgr.Shards(),
		"migrating": s.mgr.MigratingSlots(),
	})
}

func (s *Server) handleKeySlot(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.fail(w, http.StatusBadRequest, errors.New("key parameter required"))
		return
	}
	slot := cluster.KeySlot([]byte(key))
	resp := map[string]any{"key": key, "slot": slot}
	if s.mgr != nil {
		resp["shard"] = s.mgr.ShardForKey([]byte(key))
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.met.RecordError()
		s.log.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
