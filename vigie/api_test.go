package vigie

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func apiServer(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()
	svc := newTestService(t, cfg)
	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, auth ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestAPI_CheckAndStatus(t *testing.T) {
	s := newSite(t, "hello\n")
	hook, _ := newHook(t)
	srv := apiServer(t, testConfig(s.URL, hook.URL))

	resp := do(t, http.MethodPost, srv.URL+"/api/watches/page/check")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check: %d", resp.StatusCode)
	}
	check := decode[struct {
		Accepted bool `json:"accepted"`
		Outcome  struct {
			Kind string `json:"kind"`
		} `json:"outcome"`
	}](t, resp)
	if check.Accepted || check.Outcome.Kind != "baseline" {
		t.Fatalf("check response: %+v", check)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/watches/page")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	st := decode[struct {
		ID    string `json:"id"`
		Check struct {
			LastStatus string `json:"last_status"`
		} `json:"check"`
	}](t, resp)
	if st.ID != "page" || st.Check.LastStatus != "baseline" {
		t.Fatalf("watch: %+v", st)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/watches")
	if list := decode[[]map[string]any](t, resp); len(list) != 1 {
		t.Fatalf("list: %v", list)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/changes?limit=5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("changes: %d", resp.StatusCode)
	}
}

func TestAPI_Errors(t *testing.T) {
	s := newSite(t, "x")
	hook, _ := newHook(t)
	srv := apiServer(t, testConfig(s.URL, hook.URL))

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/watches/nope", http.StatusNotFound},
		{http.MethodPost, "/api/watches/nope/check", http.StatusNotFound},
		{http.MethodGet, "/api/watches/nope/changes", http.StatusNotFound},
		{http.MethodGet, "/api/watches/page/changes?limit=abc", http.StatusBadRequest},
		{http.MethodGet, "/api/watches/page/changes?limit=-1", http.StatusBadRequest},
	} {
		if resp := do(t, tc.method, srv.URL+tc.path); resp.StatusCode != tc.want {
			t.Errorf("%s %s: got %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestAPI_BasicAuth(t *testing.T) {
	// WHAT: The API requires the configured credentials; /health does not.
	// WHY: Check triggers cost fetches against third-party sites.
	s := newSite(t, "x")
	hook, _ := newHook(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(s.URL, hook.URL)
	cfg.API = APIConfig{Username: "admin", PasswordHash: string(hash)}
	srv := apiServer(t, cfg)

	if resp := do(t, http.MethodGet, srv.URL+"/health"); resp.StatusCode != http.StatusOK {
		t.Errorf("health: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/watches"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credentials: %d", resp.StatusCode)
	} else if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate")
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/watches", "admin", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/watches", "admin", "s3cret"); resp.StatusCode != http.StatusOK {
		t.Errorf("valid credentials: %d", resp.StatusCode)
	}
}

func TestAPI_RequestID(t *testing.T) {
	s := newSite(t, "x")
	hook, _ := newHook(t)
	srv := apiServer(t, testConfig(s.URL, hook.URL))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("echoed id: %q", got)
	}

	if id := do(t, http.MethodGet, srv.URL+"/health").Header.Get("X-Request-ID"); id == "" {
		t.Error("no generated request id")
	}
}

func TestAPI_CheckRateLimit(t *testing.T) {
	s := newSite(t, "x")
	hook, _ := newHook(t)
	cfg := testConfig(s.URL, hook.URL)
	cfg.API.CheckRateLimit = 1
	srv := apiServer(t, cfg)

	if resp := do(t, http.MethodPost, srv.URL+"/api/watches/page/check"); resp.StatusCode != http.StatusOK {
		t.Fatalf("first check: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/api/watches/page/check"); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second check: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/watches/page"); resp.StatusCode != http.StatusOK {
		t.Fatalf("reads are not limited: %d", resp.StatusCode)
	}
}

func TestAPI_ChangeLookup(t *testing.T) {
	s := newSite(t, "a\n")
	hook, _ := newHook(t)
	srv := apiServer(t, testConfig(s.URL, hook.URL))

	do(t, http.MethodPost, srv.URL+"/api/watches/page/check")
	s.body.Store("b\n")
	do(t, http.MethodPost, srv.URL+"/api/watches/page/check")

	list := decode[[]struct {
		ID string `json:"id"`
	}](t, do(t, http.MethodGet, srv.URL+"/api/watches/page/changes"))
	if len(list) != 1 {
		t.Fatalf("changes: %+v", list)
	}

	resp := do(t, http.MethodGet, srv.URL+"/api/changes/"+list[0].ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get change: %d", resp.StatusCode)
	}
	if c := decode[struct {
		Diff string `json:"diff"`
	}](t, resp); c.Diff == "" {
		t.Error("empty diff")
	}

	if resp := do(t, http.MethodGet, srv.URL+"/api/changes/not-an-id"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed id: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/changes/chg_0190b7c2-3a4d-7e5f-8a6b-1c2d3e4f5a6b"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id: %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, srv.URL+"/api/metrics?name=change_detected&since=1h")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if points := decode[[]map[string]any](t, resp); len(points) != 1 {
		t.Errorf("change_detected points: %v", points)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/metrics?since=soon"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since: %d", resp.StatusCode)
	}
}
