package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"snapbot/pkg/logx"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   string
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recorded{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"), string(b)})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func clientFor(t *testing.T, srv *httptest.Server, cfg ESConfig) Client {
	t.Helper()
	cfg.HTTPClient = srv.Client()
	c, err := NewESFactory(cfg, logx.Nop()).Client(srv.URL)
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	return c
}

func TestCreateSendsNonBlockingRequest(t *testing.T) {
	t.Parallel()

	srv, reqs := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"accepted":true}`)
	})
	c := clientFor(t, srv, ESConfig{CreateMasterTimeout: 30 * time.Second})

	if err := c.Create(context.Background(), "repo1", "202401021504"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got := (*reqs)[0]
	if got.method != http.MethodPut || got.path != "/_snapshot/repo1/202401021504" {
		t.Fatalf("request = %+v", got)
	}
	if !strings.Contains(got.query, "wait_for_completion=false") || !strings.Contains(got.query, "master_timeout=30s") {
		t.Fatalf("query = %q", got.query)
	}
	if got.auth != "" {
		t.Fatalf("unexpected Authorization header %q", got.auth)
	}
}

func TestCreateAlreadyExists(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_snapshot_name_exception","reason":"[repo1:202401021504] Invalid snapshot name [202401021504], snapshot with the same name already exists"},"status":400}`)
	})
	c := clientFor(t, srv, ESConfig{})

	err := c.Create(context.Background(), "repo1", "202401021504")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %#v", err)
	}
}

func TestGetParsesState(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"snapshots":[{"snapshot":"s1","state":"INCOMPATIBLE","start_time_in_millis":1700000000000}]}`)
	})
	c := clientFor(t, srv, ESConfig{})

	op, err := c.Get(context.Background(), "repo1", "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.State != StateUnknown {
		t.Fatalf("state = %q, want UNKNOWN", op.State)
	}
	if !op.StartTime.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("start = %v", op.StartTime)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"snapshot_missing_exception","reason":"[repo1:nope] is missing"},"status":404}`)
	})
	c := clientFor(t, srv, ESConfig{})

	if _, err := c.Get(context.Background(), "repo1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListAndDelete(t *testing.T) {
	t.Parallel()

	srv, reqs := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			_, _ = io.WriteString(w, `{"acknowledged":true}`)
			return
		}
		_, _ = io.WriteString(w, `{"snapshots":[
			{"snapshot":"a","state":"SUCCESS","start_time_in_millis":1000},
			{"snapshot":"b","state":"FAILED","start_time_in_millis":2000}]}`)
	})
	c := clientFor(t, srv, ESConfig{DeleteMasterTimeout: 15 * time.Second})

	ops, err := c.List(context.Background(), "repo1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ops) != 2 || ops[0].Name != "a" || ops[1].State != StateFailed {
		t.Fatalf("ops = %+v", ops)
	}
	if err := c.Delete(context.Background(), "repo1", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	del := (*reqs)[1]
	if del.method != http.MethodDelete || del.path != "/_snapshot/repo1/a" || del.query != "master_timeout=15s" {
		t.Fatalf("delete request = %+v", del)
	}
	if (*reqs)[0].path != "/_snapshot/repo1/_all" {
		t.Fatalf("list path = %q", (*reqs)[0].path)
	}
}

func TestSignedRequests(t *testing.T) {
	t.Parallel()

	srv, reqs := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"snapshots":[]}`)
	})
	creds, err := AWSAuth{Region: "us-east-1", AccessKey: "AKIDEXAMPLE", SecretKey: "secret"}.Credentials(context.Background())
	if err != nil || creds == nil {
		t.Fatalf("Credentials = %v, %v", creds, err)
	}
	c := clientFor(t, srv, ESConfig{Region: "us-east-1", Credentials: creds})

	if _, err := c.List(context.Background(), "repo1"); err != nil {
		t.Fatalf("List: %v", err)
	}
	auth := (*reqs)[0].auth
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/") || !strings.Contains(auth, "/us-east-1/es/aws4_request") {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestUnsignedWithoutKeys(t *testing.T) {
	t.Parallel()

	creds, err := AWSAuth{Region: "us-east-1"}.Credentials(context.Background())
	if err != nil || creds != nil {
		t.Fatalf("Credentials = %v, %v; want nil, nil", creds, err)
	}
}

func TestObserveCalledPerRequest(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	var (
		mu  sync.Mutex
		got []int
	)
	c := clientFor(t, srv, ESConfig{Observe: func(op string, status int, took time.Duration) {
		mu.Lock()
		got = append(got, status)
		mu.Unlock()
	}})

	if err := c.Delete(context.Background(), "r", "s"); err == nil {
		t.Fatalf("expected error for 503")
	}
	if len(got) != 1 || got[0] != http.StatusServiceUnavailable {
		t.Fatalf("observed = %v", got)
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()

	cases := map[string]State{
		"IN_PROGRESS":  StateInProgress,
		"success":      StateSuccess,
		"PARTIAL":      StatePartial,
		"FAILED":       StateFailed,
		"INCOMPATIBLE": StateUnknown,
		"":             StateUnknown,
	}
	for in, want := range cases {
		if got := ParseState(in); got != want {
			t.Fatalf("ParseState(%q) = %q, want %q", in, got, want)
		}
	}
	if StateInProgress.Terminal() || !StatePartial.Terminal() {
		t.Fatalf("Terminal mismatch")
	}
}

func TestBaseURL(t *testing.T) {
	t.Parallel()

	u, err := baseURL("https", "search.example.com")
	if err != nil || u.String() != "https://search.example.com" {
		t.Fatalf("baseURL = %v, %v", u, err)
	}
	u, err = baseURL("https", "http://localhost:9200/")
	if err != nil || u.String() != "http://localhost:9200" {
		t.Fatalf("baseURL = %v, %v", u, err)
	}
	if _, err := baseURL("https", ""); err == nil {
		t.Fatalf("empty target accepted")
	}
}
