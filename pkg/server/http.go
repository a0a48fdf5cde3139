package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"trustwork/pkg/config"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewHTTPServer),
	fx.Invoke(Run),
)

// certStore holds the current key pair served to TLS handshakes.
type certStore struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
}

func (c *certStore) load() error {
	cert, err := tls.LoadX509KeyPair(c.certPath, c.keyPath)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cert = &cert
	c.mu.Unlock()
	return nil
}

func (c *certStore) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cert == nil {
		return nil, errors.New("no tls certificate loaded")
	}
	return c.cert, nil
}

// watch reloads the key pair when either file is rewritten until ctx ends.
func (c *certStore) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Error("tls watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	for _, p := range []string{c.certPath, c.keyPath} {
		if err := watcher.Add(p); err != nil {
			zap.L().Warn("tls watcher add", zap.String("path", p), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.load(); err != nil {
				zap.L().Error("tls reload", zap.String("file", ev.Name), zap.Error(err))
				continue
			}
			zap.L().Info("tls certificate reloaded", zap.String("file", ev.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Error("tls watcher", zap.Error(err))
		}
	}
}

type HTTPServer struct {
	server *http.Server
	certs  *certStore
	stop   context.CancelFunc
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler *gin.Engine
}

func NewHTTPServer(p Params) (*HTTPServer, error) {
	cfg := p.Config
	srv := &HTTPServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Server.Addr),
			Handler:      p.Handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	if !cfg.TLS.Enable {
		return srv, nil
	}

	srv.certs = &certStore{certPath: cfg.TLS.CertPath, keyPath: cfg.TLS.KeyPath}
	if err := srv.certs.load(); err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	srv.server.TLSConfig = &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: srv.certs.get,
	}
	return srv, nil
}

func Run(lc fx.Lifecycle, srv *HTTPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			serve := srv.server.ListenAndServe
			if srv.certs != nil {
				ctx, cancel := context.WithCancel(context.Background())
				srv.stop = cancel
				go srv.certs.watch(ctx)
				serve = func() error { return srv.server.ListenAndServeTLS("", "") }
			}
			zap.L().Info("http server listening",
				zap.String("addr", srv.server.Addr),
				zap.Bool("tls", srv.certs != nil),
			)

			go func() {
				if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("http server exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if srv.stop != nil {
				srv.stop()
			}
			zap.L().Info("http server shutting down")
			return srv.server.Shutdown(ctx)
		},
	})
}
