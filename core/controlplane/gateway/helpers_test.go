package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/davlock/core/infra/locks"
	"github.com/cordum/davlock/core/infra/versions"
	"github.com/cordum/davlock/core/lockmgr"
	"github.com/cordum/davlock/core/resource"
	"github.com/cordum/davlock/core/version"
	"github.com/redis/go-redis/v9"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	return newServerWithStores(t, locks.NewMemoryStore(), versions.NewMemoryStore(), opts...)
}

func newRedisTestServer(t *testing.T, opts ...Option) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := newServerWithStores(t, locks.NewRedisStoreWithClient(client), versions.NewRedisStoreWithClient(client), opts...)
	return s, mr
}

func newServerWithStores(t *testing.T, lockStore locks.Store, versionStore versions.Store, opts ...Option) *Server {
	t.Helper()
	hub := NewHub()
	mgr := lockmgr.New(lockStore)
	stamp := version.New(versionStore, version.WithNotifier(hub))
	return New(resource.New(mgr, stamp), append([]Option{WithHub(hub)}, opts...)...)
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}
