package services

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"baas-gateway/internal/config"
	"baas-gateway/internal/engine"
	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

func sqliteService(t *testing.T, name string) config.ServiceConfig {
	t.Helper()
	db := config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: name}

	st, err := store.New(context.Background(), db)
	require.NoError(t, err)
	defer st.Close()
	for _, stmt := range []string{
		`CREATE TABLE author (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, owner TEXT)`,
		`INSERT INTO author (name, owner) VALUES ('a', 'u1'), ('b', 'u2'), ('c', 'u1')`,
	} {
		_, err := st.DB.Exec(stmt)
		require.NoError(t, err)
	}
	return config.ServiceConfig{Name: name, Label: "Library", Database: db}
}

func newRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	require.NoError(t, cfg.Validate())
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestRegistryLookup(t *testing.T) {
	r := newRegistry(t, &config.Config{Services: []config.ServiceConfig{
		{Name: "zeta", Database: config.DatabaseConfig{Driver: "sqlite"}},
		{Name: "alpha", Label: "First", Database: config.DatabaseConfig{Driver: "sqlserver"}},
	}})

	names := make([]string, 0, 2)
	for _, s := range r.Services() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"zeta", "alpha"}, names, "configuration order is kept")

	info, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, engine.ServiceInfo{Name: "alpha", Label: "First", Driver: "sqlserver"}, info)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)

	_, err := r.Service(context.Background(), "nope")
	var appErr *engine.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "UNKNOWN_SERVICE", appErr.Code)
}

func TestRegistryConnectsLazily(t *testing.T) {
	r := newRegistry(t, &config.Config{
		Services: []config.ServiceConfig{sqliteService(t, "library")},
		Permissions: []config.PermissionConfig{{
			Roles:   []string{"reader"},
			Table:   "author",
			Actions: []string{"read"},
			Filters: []config.FilterRuleConfig{{Field: "owner", Operator: "=", Value: "{user_id}"}},
		}},
	})
	ctx := context.Background()
	assert.Empty(t, r.running)

	svc, err := r.Service(ctx, "library")
	require.NoError(t, err)
	assert.Equal(t, "library", svc.Name())

	again, err := r.Service(ctx, "library")
	require.NoError(t, err)
	assert.Same(t, svc, again)

	tables, err := svc.ListTables(ctx, &metadata.Session{Roles: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"author"}, tables)

	rs, err := svc.RetrieveRecordsByFilter(ctx, &metadata.Session{UserID: "u1", Roles: []string{"reader"}}, "author", "", engine.Options{})
	require.NoError(t, err)
	assert.Len(t, rs.Records, 2, "the configured policy scopes rows")

	_, err = svc.CreateRecord(ctx, &metadata.Session{UserID: "u1", Roles: []string{"reader"}}, "author", map[string]any{"name": "d"}, engine.Options{})
	var appErr *engine.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, 403, appErr.Status)
}

func TestRegistryUnavailableService(t *testing.T) {
	r := newRegistry(t, &config.Config{Services: []config.ServiceConfig{{
		Name:     "down",
		Database: config.DatabaseConfig{Driver: "postgres", Host: "127.0.0.1", Port: 1, User: "x", Name: "x"},
	}}})

	_, err := r.Service(context.Background(), "down")
	var appErr *engine.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "SERVICE_UNAVAILABLE", appErr.Code)
	assert.Equal(t, 503, appErr.Status)

	// a failed eager connect is left for the next request
	r.ConnectAll(context.Background())
	assert.Empty(t, r.running)
}

func TestRegistryConnectAll(t *testing.T) {
	r := newRegistry(t, &config.Config{Services: []config.ServiceConfig{
		sqliteService(t, "one"),
		sqliteService(t, "two"),
	}})

	r.ConnectAll(context.Background())
	assert.Len(t, r.running, 2)

	r.Close()
	assert.Empty(t, r.running)
}

// stalledPostgres accepts connections and never answers them. accepted is
// closed once the first client is waiting.
func stalledPostgres(t *testing.T) (port int, accepted <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan struct{})
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				_ = c.Close()
			}
		}()
		var once sync.Once
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
			once.Do(func() { close(ch) })
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, ch
}

func TestRegistrySlowConnectDoesNotBlockOthers(t *testing.T) {
	port, accepted := stalledPostgres(t)
	r := newRegistry(t, &config.Config{Services: []config.ServiceConfig{
		{Name: "stalled", Database: config.DatabaseConfig{Driver: "postgres", Host: "127.0.0.1", Port: port, User: "x", Name: "x"}},
		sqliteService(t, "library"),
	}})

	stalledCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stalled := make(chan error, 1)
	go func() {
		_, err := r.Service(stalledCtx, "stalled")
		stalled <- err
	}()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connect never reached the listener")
	}

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	svc, err := r.Service(ctx, "library")
	require.NoError(t, err)
	assert.Equal(t, "library", svc.Name())

	select {
	case err := <-stalled:
		t.Fatalf("stalled connect finished early: %v", err)
	default:
	}

	cancel()
	err = <-stalled
	var appErr *engine.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "SERVICE_UNAVAILABLE", appErr.Code)
}

func TestRegistryConcurrentFirstUseSharesConnect(t *testing.T) {
	r := newRegistry(t, &config.Config{Services: []config.ServiceConfig{sqliteService(t, "library")}})

	var wg sync.WaitGroup
	got := make([]engine.Service, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = r.Service(context.Background(), "library")
		}(i)
	}
	wg.Wait()

	for _, svc := range got {
		require.NotNil(t, svc)
		assert.Same(t, got[0], svc)
	}
	assert.Len(t, r.running, 1)
}

func TestRegistryKeysSurviveRequests(t *testing.T) {
	r := newRegistry(t, &config.Config{Services: []config.ServiceConfig{
		sqliteService(t, "lib"),
		sqliteService(t, "other"),
	}})
	app := fiber.New(engine.AppConfig())
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(metadata.SessionLocal, &metadata.Session{UserID: "root", Roles: []string{"admin"}})
		return c.Next()
	})
	engine.RegisterRoutes(app, engine.NewHandler(r))

	for _, path := range []string{"/api/lib/author", "/api/other/author", "/api/lib/author?fields=name"} {
		resp, err := app.Test(getRequest(t, path), -1)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, 200, resp.StatusCode, path)
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.running))
	for name := range r.running {
		names = append(names, name)
	}
	r.mu.RUnlock()
	assert.ElementsMatch(t, []string{"lib", "other"}, names)

	first, err := r.Service(context.Background(), "lib")
	require.NoError(t, err)
	again, err := r.Service(context.Background(), "lib")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Len(t, r.running, 2)
}

func getRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	return req
}
