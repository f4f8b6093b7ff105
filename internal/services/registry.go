package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"baas-gateway/internal/config"
	"baas-gateway/internal/engine"
	"baas-gateway/internal/logger"
	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// entry holds the resources of one connected service.
type entry struct {
	store   *store.Store
	service *engine.SQLService
}

// Registry manages the lifecycle of the configured database services.
// Services connect on first use.
type Registry struct {
	mu         sync.RWMutex
	running    map[string]*entry
	configs    map[string]config.ServiceConfig
	order      []string
	rules      map[string][]engine.PermissionRule
	maxRecords int

	connecting singleflight.Group
}

var _ engine.ServiceResolver = (*Registry)(nil)

// New validates the service and permission configuration. No connection is opened.
func New(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		running:    make(map[string]*entry),
		configs:    make(map[string]config.ServiceConfig, len(cfg.Services)),
		rules:      make(map[string][]engine.PermissionRule, len(cfg.Services)),
		maxRecords: cfg.MaxRecordsReturned,
	}
	for _, svc := range cfg.Services {
		r.configs[svc.Name] = svc
		r.order = append(r.order, svc.Name)

		rules, err := PermissionRules(svc.Name, cfg.Permissions)
		if err != nil {
			return nil, err
		}
		r.rules[svc.Name] = rules
	}
	return r, nil
}

// Service returns the named service, connecting it on cache miss. Concurrent
// first calls share one connect, and no lock is held while connecting.
func (r *Registry) Service(ctx context.Context, name string) (engine.Service, error) {
	r.mu.RLock()
	e, ok := r.running[name]
	r.mu.RUnlock()
	if ok {
		return e.service, nil
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, engine.UnknownServiceError(name)
	}

	// keyed by the configured name; name may alias a request buffer
	v, err, _ := r.connecting.Do(cfg.Name, func() (any, error) {
		r.mu.RLock()
		e, ok := r.running[cfg.Name]
		r.mu.RUnlock()
		if ok {
			return e, nil
		}
		e, err := r.open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return r.insert(cfg.Name, e), nil
	})
	if err != nil {
		return nil, engine.NewAppError("SERVICE_UNAVAILABLE", 503, fmt.Sprintf("Service %s is unavailable", cfg.Name))
	}
	return v.(*entry).service, nil
}

// insert registers e unless the service is already running, in which case
// e is closed and the running entry returned.
func (r *Registry) insert(name string, e *entry) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.running[name]; ok {
		e.store.Close()
		return cur
	}
	r.running[name] = e
	return e
}

// Lookup returns the description of a configured service.
func (r *Registry) Lookup(name string) (engine.ServiceInfo, bool) {
	cfg, ok := r.configs[name]
	if !ok {
		return engine.ServiceInfo{}, false
	}
	return info(cfg), true
}

// Services lists the configured services in configuration order.
func (r *Registry) Services() []engine.ServiceInfo {
	return lo.Map(r.order, func(name string, _ int) engine.ServiceInfo { return info(r.configs[name]) })
}

// ConnectAll eagerly connects every configured service. A service that fails
// to connect is logged and left to connect lazily later.
func (r *Registry) ConnectAll(ctx context.Context) {
	log := logger.FromContext(ctx)
	var g errgroup.Group
	for _, name := range r.order {
		cfg := r.configs[name]
		g.Go(func() error {
			e, err := r.open(ctx, cfg)
			if err != nil {
				log.WithFields(logrus.Fields{"service": cfg.Name, "error": err}).Warn("service connect failed")
				return nil
			}
			if r.insert(cfg.Name, e) != e {
				return nil
			}
			log.WithFields(logrus.Fields{"service": cfg.Name, "driver": cfg.Database.Driver}).Info("service connected")
			return nil
		})
	}
	_ = g.Wait()
}

// Close closes the connection pool of every connected service.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.running {
		e.store.Close()
	}
	r.running = make(map[string]*entry)
}

func (r *Registry) open(ctx context.Context, cfg config.ServiceConfig) (*entry, error) {
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		logger.FromContext(ctx).WithFields(logrus.Fields{"service": cfg.Name, "error": err}).Error("connect failed")
		return nil, fmt.Errorf("connect service %s: %w", cfg.Name, err)
	}
	cache, err := metadata.NewCache(st.Dialect, Overrides(cfg.SchemaExtras))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("service %s: %w", cfg.Name, err)
	}
	gate := engine.NewPolicy(r.rules[cfg.Name])
	return &entry{
		store:   st,
		service: engine.NewSQLService(cfg.Name, st, cache, gate, r.maxRecords),
	}, nil
}

func info(cfg config.ServiceConfig) engine.ServiceInfo {
	return engine.ServiceInfo{
		Name:         cfg.Name,
		Label:        cfg.Label,
		Driver:       cfg.Database.Driver,
		QueryTimeout: cfg.Database.QueryTimeout,
	}
}
