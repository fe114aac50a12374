package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"bountypay/pkg/config"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewHttpServer),
	fx.Invoke(Run),
)

// Server is the gin HTTP listener. With TLS enabled the key pair is re-read
// whenever either file changes on disk, so certificates rotate without a
// restart.
type Server struct {
	server   *http.Server
	cert     atomic.Pointer[tls.Certificate]
	certPath string
	keyPath  string
	log      *zap.Logger
}

type Params struct {
	fx.In
	Config *config.Config
	Engine *gin.Engine
}

func NewHttpServer(p Params) *Server {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:         ListenAddr(cfg.Server.Addr),
			Handler:      p.Engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		certPath: cfg.TLS.CertPath,
		keyPath:  cfg.TLS.KeyPath,
		log:      zap.L().Named("http"),
	}

	if cfg.TLS.Enable {
		srv.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				if c := srv.cert.Load(); c != nil {
					return c, nil
				}
				return nil, errors.New("no TLS certificate loaded")
			},
		}
	}
	return srv
}

// ListenAddr accepts either a bare port ("8080") or a host:port.
func ListenAddr(addr string) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}

func (s *Server) loadCert() error {
	pair, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return err
	}

	fields := []zap.Field{zap.String("cert", s.certPath)}
	if len(pair.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(pair.Certificate[0]); err == nil {
			fields = append(fields, zap.Time("not_after", leaf.NotAfter))
		}
	}
	s.cert.Store(&pair)
	s.log.Info("tls certificate loaded", fields...)
	return nil
}

func (s *Server) watchCert(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.loadCert(); err != nil {
				s.log.Error("tls certificate reload failed, keeping previous", zap.Error(err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("tls watcher error", zap.Error(err))
		}
	}
}

func Run(lc fx.Lifecycle, srv *Server) {
	watchCtx, stopWatch := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if srv.server.TLSConfig != nil {
				if err := srv.loadCert(); err != nil {
					stopWatch()
					return err
				}
				w, err := fsnotify.NewWatcher()
				if err != nil {
					stopWatch()
					return err
				}
				for _, path := range []string{srv.certPath, srv.keyPath} {
					if err := w.Add(path); err != nil {
						srv.log.Warn("cannot watch tls file", zap.String("path", path), zap.Error(err))
					}
				}
				go srv.watchCert(watchCtx, w)
			}

			ln, err := net.Listen("tcp", srv.server.Addr)
			if err != nil {
				stopWatch()
				return err
			}

			go func() {
				srv.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("tls", srv.server.TLSConfig != nil))
				var err error
				if srv.server.TLSConfig != nil {
					err = srv.server.ServeTLS(ln, "", "")
				} else {
					err = srv.server.Serve(ln)
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					srv.log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopWatch()
			srv.log.Info("draining http server")
			return srv.server.Shutdown(ctx)
		},
	})
}
