package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gorilla/mux"
	v1 "github.com/imrenagi/go-upload-progress/api/v1"
	v2 "github.com/imrenagi/go-upload-progress/api/v2"
	"github.com/imrenagi/go-upload-progress/blob"
	"github.com/imrenagi/go-upload-progress/config"
	"github.com/imrenagi/go-upload-progress/hub"
	"github.com/imrenagi/go-upload-progress/progress"
	"github.com/imrenagi/go-upload-progress/progress/store"
	"github.com/imrenagi/go-upload-progress/ratelimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Opts struct {
	Config config.Config
}

// New wires the progress store, the blob store and the upload controllers
// described by opts. Close releases what New opened.
func New(ctx context.Context, opts Opts) (*Server, error) {
	cfg := opts.Config
	s := &Server{
		cfg:        cfg,
		clientAddr: progress.RemoteAddr(cfg.Server.TrustForwardedFor),
		hub:        hub.New(),
		uploads:    v2.NewStore(),
		limiter: ratelimit.NewStore(cfg.RateLimit.RPS, cfg.RateLimit.Burst,
			ratelimit.WithIdleTTL(cfg.RateLimit.IdleTTL)),
	}

	ps, err := s.newProgressStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.progressStore = ps

	metrics, err := progress.NewMetricsListener()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	s.tracker = progress.NewTracker(ps,
		progress.WithListener(s.hub),
		progress.WithListener(metrics))

	blobs, err := s.newBlobStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.blobs = blobs
	return s, nil
}

type Server struct {
	cfg           config.Config
	clientAddr    progress.ClientAddrFunc
	progressStore progress.Store
	tracker       *progress.Tracker
	hub           *hub.Hub
	blobs         blob.Store
	uploads       *v2.Store
	limiter       *ratelimit.Store
	closers       []func() error
}

func (s *Server) newProgressStore(ctx context.Context) (progress.Store, error) {
	switch s.cfg.Progress.Store {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		s.closers = append(s.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", s.cfg.Redis.Addr, err)
		}
		log.Info().Str("addr", s.cfg.Redis.Addr).Msg("using redis progress store")
		return store.NewRedisStore(rdb,
			store.WithPrefix(s.cfg.Redis.Prefix),
			store.WithRedisTTL(s.cfg.Progress.TTL)), nil
	default:
		log.Info().Dur("ttl", s.cfg.Progress.TTL).Msg("using in-memory progress store")
		return store.NewMemoryStore(
			store.WithTTL(s.cfg.Progress.TTL),
			store.WithCleanupEvery(s.cfg.Progress.CleanupEvery)), nil
	}
}

func (s *Server) newBlobStore(ctx context.Context) (blob.Store, error) {
	switch s.cfg.Storage.Driver {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		log.Info().Str("bucket", s.cfg.Storage.GCSBucket).Msg("storing uploads in gcs")
		return blob.NewGCSStore(client, s.cfg.Storage.GCSBucket), nil
	default:
		log.Info().Str("dir", s.cfg.Storage.Dir).Msg("storing uploads on local disk")
		return blob.NewLocalStore(s.cfg.Storage.Dir)
	}
}

// Close releases the clients opened by New.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Msg("starting server")
	defer s.Close()

	telemetryShutdownFn, err := InitTelemetry(ctx, s.cfg.Telemetry)
	if err != nil {
		return err
	}

	if ms, ok := s.progressStore.(*store.MemoryStore); ok {
		ms.StartJanitor(ctx)
	}
	s.limiter.StartJanitor(ctx)

	httpServer := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Handler(),
		// ReadTimeout is the maximum duration for reading the entire request, including the body.
		// This prevents slowloris attacks.
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// WriteTimeout is the maximum duration before timing out writes of the response.
		WriteTimeout: s.cfg.Server.WriteTimeout,
		// ReadHeaderTimeout is necessary here to prevent slowloris attacks.
		// https://www.cloudflare.com/learning/ddos/ddos-attack-tools/slowloris/
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		// IdleTimeout is the maximum amount of time to wait for the next request when keep-alives are enabled.
		IdleTimeout: s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting http server on %s", s.cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("http server stopped")
		_ = telemetryShutdownFn(context.Background())
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}

	log.Warn().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown http server gracefully")
	}
	log.Warn().Msg("http server gracefully stopped")

	if err := telemetryShutdownFn(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown telemetry providers")
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	mux := mux.NewRouter()
	mux.Use(
		otelhttp.NewMiddleware("uploader"),
		LogInterceptor)
	mux.Handle("/metrics", promhttp.Handler())

	track := progress.Middleware(s.tracker, progress.MiddlewareOptions{
		ClientAddr: s.clientAddr,
		ChunkSize:  s.cfg.Progress.ChunkSize,
	})
	limit := ratelimit.Middleware(s.limiter, ratelimit.KeyFunc(s.clientAddr), s.cfg.RateLimit.RetryAfter)

	apiRouter := mux.PathPrefix("/api").Subrouter()

	v1Controller := v1.NewController(s.blobs, s.tracker, s.hub,
		v1.WithMaxBytes(s.cfg.Upload.MaxBytes),
		v1.WithClientAddr(s.clientAddr))
	apiV1Router := apiRouter.PathPrefix("/v1").Subrouter()
	apiV1Router.Handle("/form", otelhttp.WithRouteTag("/api/v1/form", track(v1Controller.FormUpload()))).Methods(http.MethodPost)
	apiV1Router.Handle("/binary", otelhttp.WithRouteTag("/api/v1/binary", track(v1Controller.BinaryUpload()))).Methods(http.MethodPost)
	apiV1Router.Handle("/progress", otelhttp.WithRouteTag("/api/v1/progress", limit(v1Controller.Progress()))).Methods(http.MethodGet)
	apiV1Router.Handle("/progress/ws", otelhttp.WithRouteTag("/api/v1/progress/ws", limit(v1Controller.ProgressSocket()))).Methods(http.MethodGet)
	mux.Handle("/v1", otelhttp.WithRouteTag("/v1", http.HandlerFunc(v1.Web()))).Methods(http.MethodGet)

	v2Controller := v2.NewController(s.uploads, s.blobs, s.tracker,
		v2.WithMaxSize(s.cfg.Upload.ResumableMaxSize),
		v2.WithMaxChunkSize(s.cfg.Upload.MaxChunkSize),
		v2.WithBasePath("/api/v2/files"),
		v2.WithClientAddr(s.clientAddr))
	apiV2Router := apiRouter.PathPrefix("/v2").Subrouter()
	apiV2Router.Use(v2.TusResumableHeaderCheck, v2.TusResumableHeaderInjections)
	apiV2Router.Handle("/files", otelhttp.WithRouteTag("/api/v2/files", v2Controller.GetConfig())).Methods(http.MethodOptions)
	apiV2Router.Handle("/files", otelhttp.WithRouteTag("/api/v2/files", v2Controller.CreateUpload())).Methods(http.MethodPost)
	apiV2Router.Handle("/files/{file_id}", otelhttp.WithRouteTag("/api/v2/files/{file_id}", v2Controller.GetOffset())).Methods(http.MethodHead)
	apiV2Router.Handle("/files/{file_id}", otelhttp.WithRouteTag("/api/v2/files/{file_id}", v2Controller.ResumeUpload())).Methods(http.MethodPatch)

	return otelhttp.NewHandler(mux, "/")
}
