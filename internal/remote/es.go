package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"snapbot/pkg/logx"
)

const (
	signingService = "es"
	maxBodyBytes   = 4 << 20
)

// ESConfig configures clients for Elasticsearch / OpenSearch snapshot APIs.
type ESConfig struct {
	Scheme string // "https" unless the target carries its own scheme
	Region string

	// Credentials signs requests with SigV4 when non-nil.
	Credentials aws.CredentialsProvider

	RequestTimeout      time.Duration
	CreateMasterTimeout time.Duration
	DeleteMasterTimeout time.Duration

	HTTPClient *http.Client

	// Observe, when set, is called once per request with the operation
	// name, HTTP status (0 on transport error) and latency.
	Observe func(op string, status int, took time.Duration)
}

// ESFactory hands out one cached ESClient per target.
type ESFactory struct {
	cfg ESConfig
	log logx.Logger

	mu      sync.Mutex
	clients map[string]*ESClient
}

func NewESFactory(cfg ESConfig, log logx.Logger) *ESFactory {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ESFactory{cfg: cfg, log: log, clients: map[string]*ESClient{}}
}

func (f *ESFactory) Client(target string) (Client, error) {
	target = strings.TrimSpace(target)
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[target]; ok {
		return c, nil
	}
	base, err := baseURL(f.cfg.Scheme, target)
	if err != nil {
		return nil, err
	}
	c := &ESClient{cfg: f.cfg, base: base, log: f.log.With(logx.String("target", target))}
	if f.cfg.Credentials != nil {
		c.signer = v4.NewSigner()
	}
	f.clients[target] = c
	return c, nil
}

func baseURL(scheme, target string) (*url.URL, error) {
	if target == "" {
		return nil, errors.New("remote: empty target")
	}
	raw := target
	if !strings.Contains(raw, "://") {
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: bad target %q: %w", target, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("remote: bad target %q: no host", target)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	return u, nil
}

// ESClient implements Client over the snapshot REST API of one cluster.
type ESClient struct {
	cfg    ESConfig
	base   *url.URL
	signer *v4.Signer
	log    logx.Logger
}

type esSnapshot struct {
	Snapshot          string `json:"snapshot"`
	State             string `json:"state"`
	StartTimeInMillis int64  `json:"start_time_in_millis"`
}

type esSnapshotList struct {
	Snapshots []esSnapshot `json:"snapshots"`
}

func (s esSnapshot) operation() Operation {
	op := Operation{Name: s.Snapshot, State: ParseState(s.State)}
	if s.StartTimeInMillis > 0 {
		op.StartTime = time.UnixMilli(s.StartTimeInMillis)
	}
	return op
}

func (c *ESClient) Create(ctx context.Context, repo, name string) error {
	q := url.Values{}
	q.Set("wait_for_completion", "false")
	if c.cfg.CreateMasterTimeout > 0 {
		q.Set("master_timeout", esDuration(c.cfg.CreateMasterTimeout))
	}
	_, err := c.do(ctx, "create", http.MethodPut, snapshotPath(repo, name), q, []byte("{}"))
	return err
}

func (c *ESClient) Get(ctx context.Context, repo, name string) (Operation, error) {
	body, err := c.do(ctx, "get", http.MethodGet, snapshotPath(repo, name), nil, nil)
	if err != nil {
		return Operation{}, err
	}
	var list esSnapshotList
	if err := json.Unmarshal(body, &list); err != nil {
		return Operation{}, fmt.Errorf("get: decode: %w", err)
	}
	for _, s := range list.Snapshots {
		if s.Snapshot == name {
			return s.operation(), nil
		}
	}
	return Operation{}, fmt.Errorf("get %s/%s: %w", repo, name, ErrNotFound)
}

func (c *ESClient) List(ctx context.Context, repo string) ([]Operation, error) {
	body, err := c.do(ctx, "list", http.MethodGet, snapshotPath(repo, "_all"), nil, nil)
	if err != nil {
		return nil, err
	}
	var list esSnapshotList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("list: decode: %w", err)
	}
	out := make([]Operation, 0, len(list.Snapshots))
	for _, s := range list.Snapshots {
		out = append(out, s.operation())
	}
	return out, nil
}

func (c *ESClient) Delete(ctx context.Context, repo, name string) error {
	q := url.Values{}
	if c.cfg.DeleteMasterTimeout > 0 {
		q.Set("master_timeout", esDuration(c.cfg.DeleteMasterTimeout))
	}
	_, err := c.do(ctx, "delete", http.MethodDelete, snapshotPath(repo, name), q, nil)
	return err
}

func snapshotPath(repo, name string) string {
	return "/_snapshot/" + repo + "/" + name
}

// esDuration renders d in the cluster's time-unit syntax ("30s", "500ms").
func esDuration(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

func (c *ESClient) do(ctx context.Context, op, method, path string, q url.Values, body []byte) ([]byte, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	u := *c.base
	u.Path = c.base.Path + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if err := c.sign(ctx, req, body); err != nil {
		return nil, fmt.Errorf("%s: sign: %w", op, err)
	}

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.observe(op, 0, time.Since(start))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	rb, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.observe(op, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}

	c.log.Debug("remote request",
		logx.String("op", op),
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(op, resp.StatusCode, rb)
	}
	return rb, nil
}

func (c *ESClient) sign(ctx context.Context, req *http.Request, body []byte) error {
	if c.signer == nil {
		return nil
	}
	creds, err := c.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	return c.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), signingService, c.cfg.Region, time.Now())
}

func (c *ESClient) observe(op string, status int, took time.Duration) {
	if c.cfg.Observe != nil {
		c.cfg.Observe(op, status, took)
	}
}
