package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	commonauth "attach_server/server/common/auth"
	"attach_server/server/common/infra/cache"
	"attach_server/server/common/infra/db"
	"attach_server/server/common/infra/dbman"
	"attach_server/server/common/infra/mq"
	"attach_server/server/common/infra/object"
	commonlog "attach_server/server/common/log"
	fileapi "attach_server/server/fileman/api"
	"attach_server/server/fileman/repository"
	"attach_server/server/fileman/service"
	"attach_server/server/fileman/store"
)

const (
	startupTimeout = 10 * time.Second
	sweepTimeout   = 2 * time.Minute
)

type Server struct {
	HTTPServer *http.Server
	Postgres   *pgxpool.Pool
	Redis      *redis.Client
	MQConn     *amqp.Connection
	AuditMQ    *service.AMQPAuditSink
	Blobs      *store.BlobStore

	sweepInterval time.Duration
	orphanGrace   time.Duration
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	s := &Server{sweepInterval: cfg.OrphanSweepInterval, orphanGrace: cfg.OrphanGrace}
	ok := false
	defer func() {
		if !ok {
			s.closeBackends()
		}
	}()

	var err error
	s.Postgres, err = db.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres: %w", err)
	}
	s.Redis, err = cache.NewClient(cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("initialize redis: %w", err)
	}
	chunkClient, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
	if err != nil {
		return nil, fmt.Errorf("initialize minio: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := cache.Ping(gctx, s.Redis); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := repository.EnsureSchema(gctx, s.Postgres); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := object.EnsureBucket(gctx, chunkClient, cfg.MinioBucket); err != nil {
			return fmt.Errorf("ensure minio bucket: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	audit := service.MultiAuditSink{service.LogAuditSink{}}
	if cfg.UseMQ {
		s.MQConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.AuditMQ, err = service.NewAMQPAuditSink(s.MQConn)
		if err != nil {
			return nil, fmt.Errorf("initialize audit publisher: %w", err)
		}
		audit = append(audit, s.AuditMQ)
	}

	var members service.MembershipChecker
	switch cfg.MembershipSource {
	case MembershipDBMan:
		members = service.NewDBManMembership(dbman.NewClient(dbman.Options{}, cfg.DBManEndpoints...))
	default:
		members = repository.NewMembershipRepository(s.Postgres)
	}

	var limiter service.RateLimiter
	switch cfg.UploadRateBackend {
	case RateLimitMemory:
		limiter = service.NewMemoryRateLimiter(cfg.UploadRateLimit, cfg.UploadRateWindow)
	default:
		limiter = service.NewRedisRateLimiter(s.Redis, "fileman:upload-rate", cfg.UploadRateLimit, cfg.UploadRateWindow)
	}

	s.Blobs = store.New(
		store.NewMinIOBackend(chunkClient, cfg.MinioBucket, cfg.MinioRoot),
		repository.NewBlobRepository(s.Postgres),
		store.Options{ChunkSize: cfg.ChunkSizeBytes, NewSecureID: service.MintSecureFileID},
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	fileSvc := service.NewFileService(service.Dependencies{
		Admission: service.NewAdmissionGate(service.AdmissionPolicy{
			MaxBytes:          cfg.UploadMaxBytes,
			AllowedMimeTypes:  cfg.AllowedMimeTypes,
			AllowedExtensions: cfg.AllowedExtensions,
		}, limiter),
		Verifier:       service.NewIntegrityVerifier(),
		Access:         service.NewAccessGate(members, audit),
		Blobs:          s.Blobs,
		Audit:          audit,
		Metrics:        service.NewMetrics(reg),
		ConcealMissing: cfg.ConcealMissingFiles,
	})
	authSvc := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)

	h := fileapi.NewHandler(fileSvc, authSvc, fileapi.Options{
		PublicBaseURL: cfg.PublicBaseURL,
		DevMode:       cfg.DevMode(),
		Health:        s.ping,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})
	if !cfg.DevMode() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	ok = true
	return s, nil
}

// SweepOrphans removes chunk sets left behind by uploads or deletes whose cleanup
// failed. Chunk sets younger than the configured grace are kept, so it is safe to
// run while uploads are in flight.
func (s *Server) SweepOrphans(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	removed, err := s.Blobs.SweepOrphans(ctx, s.orphanGrace)
	if err != nil {
		commonlog.Warnf("orphan chunk sweep stopped after %d blobs: %v", removed, err)
		return
	}
	if removed > 0 {
		commonlog.Infof("orphan chunk sweep removed %d blobs", removed)
	}
}

// RunOrphanSweeper sweeps every sweep interval until ctx is done.
func (s *Server) RunOrphanSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOrphans(ctx)
		}
	}
}

func (s *Server) ping(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Postgres.Ping(gctx) })
	g.Go(func() error { return cache.Ping(gctx, s.Redis) })
	return g.Wait()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.closeBackends()
	return err
}

func (s *Server) closeBackends() {
	if s.AuditMQ != nil {
		_ = s.AuditMQ.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Postgres != nil {
		s.Postgres.Close()
	}
}
