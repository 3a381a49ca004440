package satchel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config is the top-level engine configuration.
type Config struct {
	// Path is the SQLite database file. Empty means an in-memory backend,
	// used by tests and ephemeral sessions.
	Path string

	// SQLite tunes the durable backend. Path above wins over SQLite.Path.
	SQLite SQLiteBackendConfig

	// PolicyFile optionally loads the partition policy table from YAML.
	PolicyFile string

	// Policies overrides individual partition policies after defaults and
	// the policy file are applied.
	Policies map[Partition]CachePolicy

	// Queue configures the durable action queue.
	Queue QueueConfig

	// Sync configures the sync coordinator. Ignored when Remote is nil.
	Sync SyncConfig

	// Remote is the server-side client drained against and fetched from.
	// Nil disables the sync coordinator; the store still works locally.
	Remote RemoteClient

	// Eviction configures quota watermarks.
	Eviction EvictionConfig

	// Quota reports device storage usage. Nil falls back to the store's
	// own byte accounting against QuotaBytes.
	Quota QuotaReporter

	// QuotaBytes is the storage quota used by the fallback reporter.
	// Default: 256MB
	QuotaBytes int64

	// Backup enables snapshot operations when DestinationPath or Remote
	// snapshot store is set.
	Backup BackupConfig

	// Proxy enables the edge response cache when non-nil.
	Proxy *ProxyConfig

	// IntegrityLogSize bounds the in-memory integrity event ring.
	// Default: 200
	IntegrityLogSize int

	// AdminPort serves the administrative HTTP API when non-zero. The
	// listener binds to 127.0.0.1.
	AdminPort int
}

// EngineStats aggregates component counters for the admin surface.
type EngineStats struct {
	Store     StoreStats                 `json:"store"`
	Queue     QueueStats                 `json:"queue"`
	Eviction  EvictionStats              `json:"eviction"`
	Integrity IntegrityStats             `json:"integrity"`
	Sync      *SyncStats                 `json:"sync,omitempty"`
	Proxy     map[string]ProxyCacheStats `json:"proxy,omitempty"`
}

// Engine is the main handle: a durable cache store, action queue, sync
// coordinator, integrity monitor, eviction manager, and optional backup
// manager and edge proxy wired over one backend.
type Engine struct {
	config Config

	backend  Backend
	checksum *ChecksumEngine
	policies *PolicyTable
	eviction *EvictionManager
	store    *Store
	queue    *ActionQueue
	log      *IntegrityLog
	resolver *ConflictResolver
	monitor  *IntegrityMonitor
	syncer   *SyncCoordinator
	backup   *BackupManager
	proxy    *CacheProxy

	admin *adminServer

	mu      sync.Mutex
	started bool
	closed  bool
}

// Open builds and wires the engine. Background sync loops start on Start.
func Open(ctx context.Context, config Config) (*Engine, error) {
	if config.QuotaBytes <= 0 {
		config.QuotaBytes = 256 * 1024 * 1024
	}

	eng := &Engine{config: config}

	backend, err := openBackend(config)
	if err != nil {
		return nil, err
	}
	eng.backend = backend

	policies, err := loadPolicies(config)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	eng.policies = policies

	eng.checksum = NewChecksumEngine(ChecksumXXHash64)
	eng.log = NewIntegrityLog(backend, config.IntegrityLogSize)

	quota := config.Quota
	if quota == nil {
		quota = eng.selfQuota(config.QuotaBytes)
	}
	eng.eviction = NewEvictionManager(policies, quota, config.Eviction)

	eng.store, err = NewStore(ctx, backend, eng.checksum, policies, eng.eviction)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	eng.queue = NewActionQueue(backend, config.Queue)
	eng.resolver = NewConflictResolver(eng.log)

	eng.monitor = NewIntegrityMonitor(backend, eng.store, eng.checksum, eng.log)
	eng.monitor.RegisterReconstruction(PartitionPrices, eng.reconstructPrice)

	if config.Remote != nil {
		eng.syncer = NewSyncCoordinator(eng.store, eng.queue, eng.resolver, config.Remote, eng.eviction, eng.log, config.Sync)
	}

	if config.Backup.DestinationPath != "" || config.Backup.Remote != nil {
		eng.backup, err = NewBackupManager(backend, eng.store, config.Backup)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("open backup manager: %w", err)
		}
	}

	if config.Proxy != nil {
		proxyCfg := *config.Proxy
		if proxyCfg.Policies == nil {
			proxyCfg.Policies = policies
		}
		eng.proxy = NewCacheProxy(proxyCfg)
	}

	if config.AdminPort != 0 {
		eng.admin, err = startAdminServer(eng, config.AdminPort)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("start admin server: %w", err)
		}
	}

	return eng, nil
}

func openBackend(config Config) (Backend, error) {
	path := config.Path
	if path == "" {
		path = config.SQLite.Path
	}
	if path == "" {
		return NewMemoryBackend(), nil
	}
	sqliteCfg := config.SQLite
	if sqliteCfg.Path == "" {
		sqliteCfg = DefaultSQLiteBackendConfig(path)
	}
	sqliteCfg.Path = path
	backend, err := NewSQLiteBackend(sqliteCfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite backend: %w", err)
	}
	return backend, nil
}

func loadPolicies(config Config) (*PolicyTable, error) {
	overrides := make(map[Partition]CachePolicy)
	if config.PolicyFile != "" {
		loaded, err := LoadPolicyFile(config.PolicyFile)
		if err != nil {
			return nil, err
		}
		for name, policy := range loaded {
			overrides[name] = policy
		}
	}
	for name, policy := range config.Policies {
		overrides[name] = policy
	}
	return NewPolicyTable(overrides), nil
}

// selfQuota reports the store's own byte accounting against a fixed quota,
// for environments with no platform storage estimate.
func (eng *Engine) selfQuota(quota int64) QuotaReporter {
	return QuotaReporterFunc(func(context.Context) (int64, int64, error) {
		return eng.store.TotalBytes(), quota, nil
	})
}

// reconstructPrice rebuilds a corrupted price entry from the newest queued
// price mutation targeting the same key. A quote published locally but not
// yet synced is the best available approximation of the lost value.
func (eng *Engine) reconstructPrice(ctx context.Context, key string) (Document, error) {
	pending, err := eng.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(pending) - 1; i >= 0; i-- {
		p, ok := pending[i].Payload.(UpdatePricePayload)
		if !ok || p.CacheKey() != key {
			continue
		}
		return Document{
			"commodity": p.Commodity,
			"market":    p.Market,
			"price":     p.Price,
			"unit":      p.Unit,
			"updatedAt": pending[i].EnqueuedAt.Format(time.RFC3339),
			"stale":     true,
		}, nil
	}
	return nil, fmt.Errorf("no queued price mutation for %s: %w", key, ErrNotFound)
}

// Start launches the sync coordinator's background loops and the proxy's
// install-time pre-population. Safe to skip for purely local use.
func (eng *Engine) Start(ctx context.Context) {
	eng.mu.Lock()
	if eng.started || eng.closed {
		eng.mu.Unlock()
		return
	}
	eng.started = true
	eng.mu.Unlock()

	if eng.syncer != nil {
		eng.syncer.Start(ctx)
	}
	if eng.proxy != nil && len(eng.config.Proxy.PrecacheURLs) > 0 {
		go func() {
			_ = eng.proxy.Precache(ctx)
		}()
	}
}

// Close stops background work and closes the backend.
func (eng *Engine) Close() error {
	eng.mu.Lock()
	if eng.closed {
		eng.mu.Unlock()
		return nil
	}
	eng.closed = true
	eng.mu.Unlock()

	if eng.admin != nil {
		_ = eng.admin.Close()
	}
	if eng.syncer != nil {
		eng.syncer.Close()
	}
	eng.queue.Close()
	return eng.backend.Close()
}

// Store returns the cache store.
func (eng *Engine) Store() *Store { return eng.store }

// Queue returns the action queue.
func (eng *Engine) Queue() *ActionQueue { return eng.queue }

// Syncer returns the sync coordinator, or nil when no remote is configured.
func (eng *Engine) Syncer() *SyncCoordinator { return eng.syncer }

// Monitor returns the integrity monitor.
func (eng *Engine) Monitor() *IntegrityMonitor { return eng.monitor }

// Backup returns the backup manager, or nil when backups are not configured.
func (eng *Engine) Backup() *BackupManager { return eng.backup }

// Proxy returns the edge cache proxy, or nil when not configured.
func (eng *Engine) Proxy() *CacheProxy { return eng.proxy }

// IntegrityLog returns the integrity event log.
func (eng *Engine) IntegrityLog() *IntegrityLog { return eng.log }

// Policies returns the live policy table.
func (eng *Engine) Policies() *PolicyTable { return eng.policies }

// Stats aggregates counters across all wired components.
func (eng *Engine) Stats(ctx context.Context) EngineStats {
	stats := EngineStats{
		Store:     eng.store.Stats(),
		Queue:     eng.queue.Stats(ctx),
		Eviction:  eng.eviction.Stats(),
		Integrity: eng.monitor.Stats(),
	}
	if eng.syncer != nil {
		s := eng.syncer.Stats()
		stats.Sync = &s
	}
	if eng.proxy != nil {
		stats.Proxy = eng.proxy.Stats()
	}
	return stats
}

// Seed bulk-loads documents into a partition with blind versioning. Used by
// first-run provisioning and the admin seed endpoint.
func (eng *Engine) Seed(ctx context.Context, partition Partition, docs map[string]Document) (int, error) {
	seeded := 0
	for key, doc := range docs {
		if _, err := eng.store.Put(ctx, partition, key, doc, PutOptions{}); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", key, err)
		}
		seeded++
	}
	return seeded, nil
}

// Reset clears every stored entry, queued action, integrity event, and
// backup copy, then rebuilds the store index.
func (eng *Engine) Reset(ctx context.Context) error {
	if err := eng.backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset backend: %w", err)
	}
	return eng.store.ReloadIndex(ctx)
}

// Migrations returns the backend's applied schema migrations.
func (eng *Engine) Migrations(ctx context.Context) ([]MigrationRecord, error) {
	return eng.backend.Migrations(ctx)
}

// adminServer hosts the administrative HTTP API.
type adminServer struct {
	srv      *http.Server
	listener net.Listener
}

func startAdminServer(eng *Engine, port int) (*adminServer, error) {
	if port < 0 || port > 65535 {
		return nil, errors.New("invalid admin port")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:      NewAdminHandler(eng),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		_ = srv.Serve(listener)
	}()
	return &adminServer{srv: srv, listener: listener}, nil
}

// Addr returns the bound admin address.
func (s *adminServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *adminServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
