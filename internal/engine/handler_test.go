package engine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// staticResolver serves a single service.
type staticResolver struct {
	svc  Service
	info ServiceInfo
}

func (r staticResolver) Service(_ context.Context, name string) (Service, error) {
	if name != r.info.Name {
		return nil, UnknownServiceError(name)
	}
	return r.svc, nil
}

func (r staticResolver) Lookup(name string) (ServiceInfo, bool) {
	return r.info, name == r.info.Name
}

func (r staticResolver) Services() []ServiceInfo { return []ServiceInfo{r.info} }

func testApp(t *testing.T, sess *metadata.Session) (*fiber.App, *store.Store) {
	t.Helper()
	svc, st := newTestService(t, nil, 0)
	app := fiber.New(AppConfig())
	app.Use(func(c *fiber.Ctx) error {
		if sess != nil {
			c.Locals(metadata.SessionLocal, sess)
		}
		return c.Next()
	})
	RegisterRoutes(app, NewHandler(staticResolver{svc: svc, info: ServiceInfo{Name: "library", Driver: "sqlite"}}))
	return app, st
}

func doRequest(t *testing.T, app *fiber.App, method, path string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func records(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	list, ok := body["record"].([]any)
	require.True(t, ok, "expected a record list in %v", body)
	out := make([]map[string]any, len(list))
	for i, item := range list {
		out[i] = item.(map[string]any)
	}
	return out
}

func TestHandlerListsServicesAndTables(t *testing.T) {
	app, _ := testApp(t, admin)

	status, body := doRequest(t, app, "GET", "/api", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, []any{map[string]any{"name": "library", "driver": "sqlite"}}, body["service"])

	status, body = doRequest(t, app, "GET", "/api/library", nil)
	assert.Equal(t, 200, status)
	assert.Contains(t, body["table"], "author")

	status, body = doRequest(t, app, "GET", "/api/library/_schema/book", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "book", body["name"])
	assert.Contains(t, body["related"], "author_by_author_id")

	status, body = doRequest(t, app, "GET", "/api/nope", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "UNKNOWN_SERVICE", errorCode(body))

	status, body = doRequest(t, app, "GET", "/api/library/_schema/nope", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestHandlerCreateAndRetrieve(t *testing.T) {
	app, _ := testApp(t, admin)

	status, body := doRequest(t, app, "POST", "/api/library/author", map[string]any{"name": "Le Guin", "fields": "*"})
	assert.Equal(t, 201, status)
	assert.Equal(t, "Le Guin", body["name"], "a single record is returned bare")
	assert.EqualValues(t, 1, body["id"])

	status, body = doRequest(t, app, "POST", "/api/library/author", map[string]any{
		"record": []any{map[string]any{"name": "Butler"}, map[string]any{"name": "Banks"}},
	})
	assert.Equal(t, 201, status)
	assert.Len(t, records(t, body), 2)

	status, body = doRequest(t, app, "GET", "/api/library/author/2", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "Butler", body["name"])

	status, body = doRequest(t, app, "GET", "/api/library/author?ids=3,1&fields=name", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, []map[string]any{{"name": "Banks"}, {"name": "Le Guin"}}, records(t, body))

	q := url.Values{"filter": {`name startsWith "B"`}, "order": {"name"}, "include_count": {"true"}}
	status, body = doRequest(t, app, "GET", "/api/library/author?"+q.Encode(), nil)
	assert.Equal(t, 200, status)
	list := records(t, body)
	require.Len(t, list, 2)
	assert.Equal(t, "Banks", list[0]["name"])
	assert.EqualValues(t, 2, body["meta"].(map[string]any)["count"])

	status, body = doRequest(t, app, "GET", "/api/library/author", nil)
	assert.Equal(t, 200, status)
	assert.Len(t, records(t, body), 3)
	assert.NotContains(t, body, "meta")

	status, body = doRequest(t, app, "GET", "/api/library/author/42", nil)
	assert.Equal(t, 404, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestHandlerWrites(t *testing.T) {
	app, st := testApp(t, admin)
	seed(t, st, `INSERT INTO author (id, name) VALUES (1, 'one'), (2, 'two'), (3, 'three')`)

	status, body := doRequest(t, app, "PATCH", "/api/library/author/1", map[string]any{"name": "uno"})
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 1, body["id"])

	status, _ = doRequest(t, app, "MERGE", "/api/library/author/2", map[string]any{"owner": "x"})
	assert.Equal(t, 200, status)
	assert.Equal(t, 1, countRows(t, st, "SELECT COUNT(*) FROM author WHERE id = 2 AND owner = 'x'"))

	status, body = doRequest(t, app, "POST", "/api/library/author", map[string]any{
		"record": []any{map[string]any{"id": 3, "name": "tres"}},
	}, "X-HTTP-Method", "PUT")
	assert.Equal(t, 200, status)
	assert.Len(t, records(t, body), 1)
	assert.Equal(t, 1, countRows(t, st, "SELECT COUNT(*) FROM author WHERE name = 'tres'"))

	status, body = doRequest(t, app, "PUT", "/api/library/author", map[string]any{"owner": "y", "filter": "id >= 2"})
	assert.Equal(t, 200, status)
	assert.Len(t, records(t, body), 2)

	status, body = doRequest(t, app, "DELETE", "/api/library/author?ids=2,3", nil)
	assert.Equal(t, 200, status)
	assert.Len(t, records(t, body), 2)
	assert.Equal(t, 1, countRows(t, st, "SELECT COUNT(*) FROM author"))

	status, body = doRequest(t, app, "DELETE", "/api/library/author", nil)
	assert.Equal(t, 400, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, body = doRequest(t, app, "POST", "/api/library/author/1", map[string]any{"name": "x"})
	assert.Equal(t, 400, status)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))
}

func TestHandlerColumnNamedLikeOption(t *testing.T) {
	app, st := testApp(t, admin)
	_, err := st.DB.Exec(`CREATE TABLE step (id INTEGER PRIMARY KEY, "order" INTEGER NOT NULL, label TEXT)`)
	require.NoError(t, err)

	status, body := doRequest(t, app, "POST", "/api/library/step", map[string]any{"order": 2, "label": "b", "fields": "*"})
	require.Equal(t, 201, status, body)
	assert.EqualValues(t, 2, body["order"])
	assert.Equal(t, "b", body["label"])

	status, body = doRequest(t, app, "POST", "/api/library/step", map[string]any{"order": 1, "label": "a"})
	require.Equal(t, 201, status, body)

	status, body = doRequest(t, app, "GET", "/api/library/step?order=order&fields=label", nil)
	require.Equal(t, 200, status, body)
	assert.Equal(t, []map[string]any{{"label": "a"}, {"label": "b"}}, records(t, body))

	status, body = doRequest(t, app, "POST", "/api/library/author", map[string]any{"name": "Le Guin", "order": "name"})
	require.Equal(t, 201, status, body)
	assert.Nil(t, body["order"], "option keys stay options where no column claims them")
}

func TestHandlerBatchErrorBody(t *testing.T) {
	app, _ := testApp(t, admin)

	status, body := doRequest(t, app, "POST", "/api/library/author?continue=true", []any{
		map[string]any{"name": "ok"},
		map[string]any{"owner": "no name"},
	})
	assert.Equal(t, 400, status)
	e := body["error"].(map[string]any)
	assert.Equal(t, "BATCH_ERROR", e["code"])
	ctx := e["context"].(map[string]any)
	assert.Equal(t, []any{float64(1)}, ctx["errors"])
	ids := ctx["ids"].([]any)
	require.Len(t, ids, 2)
	assert.Equal(t, map[string]any{"id": float64(1)}, ids[0])
}

func TestHandlerRejectsBadInput(t *testing.T) {
	app, _ := testApp(t, admin)

	status, body := doRequest(t, app, "GET", "/api/library/author?limit=abc", nil)
	assert.Equal(t, 400, status)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))

	status, body = doRequest(t, app, "POST", "/api/library/author", "just a string")
	assert.Equal(t, 400, status)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))

	status, body = doRequest(t, app, "GET", "/api/library/author?related=publisher", nil)
	assert.Equal(t, 400, status)
	assert.Equal(t, "BAD_REQUEST", errorCode(body))
}

func TestHandlerWithoutSession(t *testing.T) {
	app, _ := testApp(t, nil)

	// the test service allows everything; only table listing needs a session
	status, body := doRequest(t, app, "GET", "/api/library", nil)
	assert.Equal(t, 401, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))
}
