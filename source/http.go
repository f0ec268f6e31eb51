package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrRangeUnsupported is returned when a server ignores Range headers.
var ErrRangeUnsupported = errors.New("source: range requests not supported")

// HTTP reads package bytes from a URL through range requests, so remote
// packages can be linked without downloading the whole file first.
type HTTP struct {
	url      string
	client   *http.Client
	headers  http.Header
	size     int64
	etag     string
	sourceID string
}

// HTTPOption configures an HTTP source.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTP) {
		s.client = client
	}
}

// WithHTTPHeader sets a header sent on each request.
func WithHTTPHeader(key, value string) HTTPOption {
	return func(s *HTTP) {
		if s.headers == nil {
			s.headers = make(http.Header)
		}
		s.headers.Set(key, value)
	}
}

// NewHTTP probes rawURL with a one-byte range read to learn the content size
// and validator, and returns a source over it.
func NewHTTP(ctx context.Context, rawURL string, opts ...HTTPOption) (*HTTP, error) {
	s := &HTTP{url: rawURL}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = http.DefaultClient
	}

	resp, err := s.rangeRequest(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return nil, ErrRangeUnsupported
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	default:
		return nil, fmt.Errorf("source: range probe %s: %s", rawURL, resp.Status)
	}
	size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, err
	}
	s.size = size
	s.etag = resp.Header.Get("ETag")
	if s.etag != "" {
		s.sourceID = fmt.Sprintf("url:%s|etag:%s", rawURL, s.etag)
	} else {
		s.sourceID = fmt.Sprintf("url:%s|size:%d", rawURL, size)
	}
	return s, nil
}

// ReadAt reads len(p) bytes at off with a single range request. Reads that
// extend past the end return the available bytes and io.EOF.
func (s *HTTP) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	resp, err := s.rangeRequest(context.Background(), off, end)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case http.StatusOK:
		return 0, ErrRangeUnsupported
	default:
		return 0, fmt.Errorf("source: range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the remote content size.
func (s *HTTP) Size() int64 { return s.size }

// SourceID identifies the remote content by URL and validator.
func (s *HTTP) SourceID() string { return s.sourceID }

func (s *HTTP) rangeRequest(ctx context.Context, off, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	return s.client.Do(req)
}

// URLResolver opens packages served under a base URL, one file per package
// named like the files a DirResolver finds.
type URLResolver struct {
	base       *url.URL
	packageExt string
	bulkExt    string
	cache      *BlockCache
	httpOpts   []HTTPOption
}

// URLOption configures a URLResolver.
type URLOption func(*URLResolver)

// WithURLExt sets the package and bulk sidecar extensions.
func WithURLExt(packageExt, bulkExt string) URLOption {
	return func(r *URLResolver) {
		r.packageExt = packageExt
		r.bulkExt = bulkExt
	}
}

// WithURLCache serves opened sources through c.
func WithURLCache(c *BlockCache) URLOption {
	return func(r *URLResolver) {
		r.cache = c
	}
}

// WithURLHTTPOptions applies opts to every HTTP source the resolver opens.
func WithURLHTTPOptions(opts ...HTTPOption) URLOption {
	return func(r *URLResolver) {
		r.httpOpts = append(r.httpOpts, opts...)
	}
}

// NewURLResolver returns a resolver for packages under base, which must be
// an http or https URL.
func NewURLResolver(base string, opts ...URLOption) (*URLResolver, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("source: base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("source: base url %q: want an http or https URL", base)
	}
	r := &URLResolver{
		base:       u,
		packageExt: DefaultPackageExt,
		bulkExt:    DefaultBulkExt,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// URL returns the address of pkg's file.
func (r *URLResolver) URL(pkg string, kind Kind) (string, error) {
	if pkg == "" || strings.ContainsAny(pkg, `/\?#`) {
		return "", fmt.Errorf("source: invalid package name %q", pkg)
	}
	ext := r.packageExt
	if kind == KindBulk {
		ext = r.bulkExt
	}
	return r.base.JoinPath(pkg + ext).String(), nil
}

// Open probes pkg's URL and returns a range-reading source over it. A
// missing file reports ErrNotFound.
func (r *URLResolver) Open(pkg string, kind Kind) (ByteSource, error) {
	u, err := r.URL(pkg, kind)
	if err != nil {
		return nil, err
	}
	src, err := NewHTTP(context.Background(), u, r.httpOpts...)
	if err != nil {
		return nil, err
	}
	if r.cache == nil {
		return src, nil
	}
	return r.cache.Wrap(src)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
	_ = resp.Body.Close()
}

// parseContentRange extracts the total size from "bytes start-end/size".
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, fmt.Errorf("source: invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("source: invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("source: invalid Content-Range %q", value)
	}
	return size, nil
}
