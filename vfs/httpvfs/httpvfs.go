// Package httpvfs serves read-only databases over HTTP. A HEAD request
// fixes the size and validator of the remote file at open; reads are
// ranged GETs conditional on that validator, fetched in pages and cached.
package httpvfs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/vfs"
)

// Name is the default registration name.
const Name = "http"

const (
	DefaultPageSize   = 64 << 10
	DefaultCachePages = 256
	maxPathname       = 1024
)

// Config configures a VFS.
type Config struct {
	// Client sends the requests, http.DefaultClient when nil.
	Client *http.Client
	// Base resolves relative names. Without it, names must be absolute or
	// scheme-relative URLs.
	Base string
	// Header is added to every request.
	Header http.Header
	// PageSize is the fetch and cache unit.
	PageSize int
	// CachePages bounds the pages cached per file. Negative disables the
	// cache.
	CachePages int
	// Rate limits requests per second; 0 is unlimited.
	Rate  float64
	Burst int
}

// VFS opens remote files.
type VFS struct {
	name     string
	client   *http.Client
	base     *url.URL
	header   http.Header
	pageSize int64
	cache    int
	limiter  *rate.Limiter
	locks    *vfs.LockManager
	fills    singleflight.Group
}

// New creates a VFS registered as name, or Name when empty.
func New(name string, cfg Config) (*VFS, error) {
	if name == "" {
		name = Name
	}
	v := &VFS{
		name:     name,
		client:   cfg.Client,
		header:   cfg.Header,
		pageSize: int64(cfg.PageSize),
		cache:    cfg.CachePages,
		locks:    vfs.NewLockManager(),
	}
	if v.client == nil {
		v.client = http.DefaultClient
	}
	if v.pageSize <= 0 {
		v.pageSize = DefaultPageSize
	}
	if v.cache == 0 {
		v.cache = DefaultCachePages
	}
	if cfg.Base != "" {
		base, err := url.Parse(cfg.Base)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "http vfs base url")
		}
		v.base = base
	}
	limit, burst := rate.Inf, max(cfg.Burst, 1)
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	v.limiter = rate.NewLimiter(limit, burst)
	return v, nil
}

func (v *VFS) Name() string     { return v.name }
func (v *VFS) MaxPathname() int { return maxPathname }

// resolve turns a database name into a URL. Scheme-relative names use
// https unless the https parameter is false.
func (v *VFS) resolve(name *vfs.Filename) (*url.URL, error) {
	s := name.String()
	switch {
	case strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://"):
		return url.Parse(s)
	case strings.HasPrefix(s, "//"):
		secure := v.base == nil || v.base.Scheme == "https"
		scheme := "http"
		if name.Bool("https", secure) {
			scheme = "https"
		}
		return url.Parse(scheme + ":" + s)
	case v.base != nil:
		ref, err := url.Parse(s)
		if err != nil {
			return nil, err
		}
		return v.base.ResolveReference(ref), nil
	}
	return nil, errors.InvalidInput(errors.PhaseVFS, "relative name "+strconv.Quote(s)+" without a base url")
}

func (v *VFS) request(ctx context.Context, method, u string) (*http.Request, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vals := range v.header {
		for _, val := range vals {
			req.Header.Add(k, val)
		}
	}
	return req, nil
}

// Open checks the remote file with a HEAD request. Files are always opened
// read-only whatever the engine asked for.
func (v *VFS) Open(ctx context.Context, name *vfs.Filename, _ vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	u, err := v.resolve(name)
	if err != nil {
		return nil, 0, err
	}
	req, err := v.request(ctx, http.MethodHead, u.String())
	if err != nil {
		return nil, 0, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "HEAD "+u.Redacted())
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, errors.NotFound(errors.PhaseVFS, "remote file", u.Redacted())
	case resp.StatusCode/100 != 2:
		return nil, 0, statusError("HEAD", u.Redacted(), resp)
	case resp.ContentLength < 0:
		return nil, 0, errors.New(errors.PhaseVFS, errors.KindInvalidData).
			Path(u.Redacted()).
			Detail("HEAD response has no content length").
			Build()
	}

	final := resp.Request.URL.String()
	cond := make(http.Header)
	etag, lm := resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")
	if etag != "" {
		cond.Set("If-Match", etag)
	}
	if lm != "" {
		cond.Set("If-Unmodified-Since", lm)
	}
	vfs.Logger().Debug("http file opened",
		zap.String("url", u.Redacted()),
		zap.Int64("size", resp.ContentLength),
		zap.String("etag", cond.Get("If-Match")))

	f := &File{
		FileLock: v.locks.Open(final),
		v:        v,
		url:      final,
		size:     resp.ContentLength,
		cond:     cond,
		version:  etag + "|" + lm,
		cache:    newPageCache(v.cache),
	}
	return f, vfs.OpenReadOnly, nil
}

func (v *VFS) Delete(_ context.Context, name string, _ bool) error {
	return errors.Unsupported(errors.PhaseVFS, "deleting remote file "+name)
}

// Access reports false for every name, so the engine never looks for a
// hot journal next to a remote database.
func (v *VFS) Access(context.Context, string, vfs.AccessFlag) (bool, error) {
	return false, nil
}

func (v *VFS) FullPathname(_ context.Context, name string) (string, error) {
	return name, nil
}

func statusError(method, u string, resp *http.Response) error {
	return errors.New(errors.PhaseVFS, errors.KindBackend).
		Path(u).
		Detail("%s: %s", method, resp.Status).
		Build()
}

// File is an open remote file.
type File struct {
	*vfs.FileLock
	v     *VFS
	url   string
	size  int64
	cond  http.Header
	cache *pageCache

	// version identifies the remote revision seen at open.
	version string
}

func (f *File) Close(context.Context) error {
	f.Release()
	f.cache.clear()
	return nil
}

func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.InvalidInput(errors.PhaseVFS, "negative offset")
	}
	ps := f.v.pageSize
	n := 0
	for n < len(p) && off+int64(n) < f.size {
		pos := off + int64(n)
		idx := pos / ps
		page, err := f.page(ctx, idx)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], page[pos-idx*ps:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// page returns page idx, fetching it once however many readers of the same
// remote revision want it.
func (f *File) page(ctx context.Context, idx int64) ([]byte, error) {
	if b, ok := f.cache.get(idx); ok {
		return b, nil
	}
	key := f.url + "#" + f.version + "#" + strconv.FormatInt(idx, 10)
	ch := f.v.fills.DoChan(key, func() (any, error) {
		b, err := f.fetch(context.WithoutCancel(ctx), idx)
		if err == nil {
			f.cache.put(idx, b)
		}
		return b, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (f *File) fetch(ctx context.Context, idx int64) ([]byte, error) {
	start := idx * f.v.pageSize
	end := min(start+f.v.pageSize, f.size)
	req, err := f.v.request(ctx, http.MethodGet, f.url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	for k, vals := range f.cond {
		req.Header[k] = vals
	}

	resp, err := f.v.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "GET "+f.url)
	}
	defer resp.Body.Close()

	var body []byte
	switch resp.StatusCode {
	case http.StatusPartialContent:
		body, err = io.ReadAll(io.LimitReader(resp.Body, end-start))
	case http.StatusOK:
		// The server ignored the range and sent everything.
		if _, err = io.CopyN(io.Discard, resp.Body, start); err == nil {
			body, err = io.ReadAll(io.LimitReader(resp.Body, end-start))
		}
	case http.StatusPreconditionFailed:
		return nil, errors.New(errors.PhaseVFS, errors.KindInvalidData).
			Path(f.url).
			Detail("remote file changed since open").
			Build()
	default:
		return nil, statusError("GET", f.url, resp)
	}
	if err != nil {
		return nil, errors.Wrap(errors.PhaseVFS, errors.KindBackend, err, "GET "+f.url)
	}
	if int64(len(body)) != end-start {
		return nil, errors.New(errors.PhaseVFS, errors.KindInvalidData).
			Path(f.url).
			Detail("range %d-%d returned %d bytes", start, end-1, len(body)).
			Build()
	}
	vfs.Logger().Debug("http page fetched",
		zap.String("url", f.url),
		zap.Int64("page", idx),
		zap.Int("bytes", len(body)))
	return body, nil
}

func (f *File) WriteAt(context.Context, []byte, int64) error {
	return errors.Unsupported(errors.PhaseVFS, "writing remote file")
}

func (f *File) Truncate(context.Context, int64) error {
	return errors.Unsupported(errors.PhaseVFS, "truncating remote file")
}

func (f *File) Sync(context.Context, vfs.SyncFlag) error { return nil }

func (f *File) Size(context.Context) (int64, error) { return f.size, nil }

func (f *File) FileControl(context.Context, int32, uint32) (int32, error) {
	return vfs.ResultNotFound, nil
}

func (f *File) SectorSize() int32 { return 0 }

func (f *File) DeviceCharacteristics() vfs.IOCap { return vfs.IOCapImmutable }
