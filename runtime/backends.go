package runtime

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vfs/config"
	"github.com/wippyai/wasm-vfs/errors"
	"github.com/wippyai/wasm-vfs/metrics"
	"github.com/wippyai/wasm-vfs/vfs"
	"github.com/wippyai/wasm-vfs/vfs/dirvfs"
	"github.com/wippyai/wasm-vfs/vfs/httpvfs"
	"github.com/wippyai/wasm-vfs/vfs/localvfs"
	"github.com/wippyai/wasm-vfs/vfs/memvfs"
)

// FromConfig creates a runtime whose instances get the backends listed in
// c. Backends holding files or databases are closed with the runtime.
func FromConfig(ctx context.Context, c *config.Config, obs metrics.Observer) (*Runtime, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	bcfg, _ := c.Bridge()
	ecfg, _ := c.Engine()

	rt, err := New(ctx, Config{Engine: ecfg, Bridge: bcfg, Observer: obs})
	if err != nil {
		return nil, err
	}
	for _, vc := range c.VFS {
		b, err := rt.backend(vc)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		if vc.Deferred {
			b = vfs.Deferred(b)
		}
		rt.cfg.Backends = append(rt.cfg.Backends, Backend{VFS: b, Options: vfs.Options{Default: vc.Default}})
		Logger().Info("vfs configured",
			zap.String("name", vc.Name),
			zap.String("kind", vc.Kind),
			zap.Bool("default", vc.Default),
			zap.Bool("deferred", vc.Deferred))
	}
	return rt, nil
}

func (r *Runtime) backend(vc config.VFS) (vfs.VFS, error) {
	switch vc.Kind {
	case config.KindMem:
		return memvfs.New(vc.Name), nil

	case config.KindDir:
		d, err := dirvfs.New(vc.Name, vc.Root)
		if err != nil {
			return nil, err
		}
		r.OnClose(d)
		return d, nil

	case config.KindHTTP:
		pageSize, _ := vc.PageBytes()
		timeout, _ := vc.ClientTimeout()
		header := make(http.Header, len(vc.Header))
		for k, v := range vc.Header {
			header.Set(k, v)
		}
		return httpvfs.New(vc.Name, httpvfs.Config{
			Client:     &http.Client{Timeout: timeout},
			Base:       vc.URL,
			Header:     header,
			PageSize:   int(pageSize),
			CachePages: vc.CachePages,
			Rate:       vc.Rate,
			Burst:      vc.Burst,
		})

	case config.KindLocal:
		l, err := localvfs.Open(vc.Name, vc.MountsDB)
		if err != nil {
			return nil, err
		}
		r.OnClose(l)
		for prefix, dir := range vc.Mounts {
			if err := l.Mount(prefix, dir); err != nil {
				return nil, err
			}
		}
		return l, nil
	}
	return nil, errors.Unsupported(errors.PhaseConfig, "vfs kind "+vc.Kind)
}
