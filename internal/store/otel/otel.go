// Package otel implements a write-only audit sink that ships entries to an
// OpenTelemetry collector as OTLP log records.
package otel

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"

	"github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/pkg/types"
)

// Config holds the configuration needed to construct a Store.
type Config struct {
	Endpoint string
	Protocol string // "grpc" or "http"

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSInsecure bool

	Headers map[string]string

	Timeout      time.Duration
	BatchTimeout time.Duration
	BatchMaxSize int

	Filter   Filter
	Resource *resource.Resource
}

// Store exports audit entries as log records. Export happens in the batch
// processor so AppendEntry never waits on the collector.
type Store struct {
	filter   Filter
	provider *sdklog.LoggerProvider
	logger   otellog.Logger
}

var _ store.AuditStore = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otel endpoint is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = 512
	}
	if cfg.Resource == nil {
		cfg.Resource = BuildResource("agentgate", nil)
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel log exporter: %w", err)
	}
	proc := sdklog.NewBatchProcessor(exp,
		sdklog.WithExportTimeout(cfg.Timeout),
		sdklog.WithExportInterval(cfg.BatchTimeout),
		sdklog.WithExportMaxBatchSize(cfg.BatchMaxSize),
	)
	return newWithProcessor(proc, cfg.Resource, cfg.Filter), nil
}

func newWithProcessor(proc sdklog.Processor, res *resource.Resource, f Filter) *Store {
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(proc),
		sdklog.WithResource(res),
	)
	return &Store{
		filter:   f,
		provider: provider,
		logger:   provider.Logger("agentgate/audit"),
	}
}

// AppendEntry emits e when it passes the filter. The span carried by ctx,
// if any, is attached to the record by the SDK.
func (s *Store) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	if !s.filter.Match(e) {
		return nil
	}
	s.logger.Emit(ctx, toRecord(e))
	return nil
}

func (s *Store) QueryEntries(context.Context, types.AuditQuery) ([]types.AuditEntry, error) {
	return nil, store.ErrQueryUnsupported
}

// Close flushes pending records, waiting at most 10 seconds.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.provider.Shutdown(ctx); err != nil {
		slog.Warn("otel log provider shutdown error", "error", err)
		return err
	}
	return nil
}

func clientTLS(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func newExporter(ctx context.Context, cfg Config) (sdklog.Exporter, error) {
	switch cfg.Protocol {
	case "grpc":
		opts := []otlploggrpc.Option{
			otlploggrpc.WithEndpoint(cfg.Endpoint),
			otlploggrpc.WithTimeout(cfg.Timeout),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploggrpc.WithHeaders(cfg.Headers))
		}
		if cfg.TLSEnabled {
			tlsCfg, err := clientTLS(cfg)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		} else {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)

	case "http", "":
		opts := []otlploghttp.Option{
			otlploghttp.WithEndpoint(cfg.Endpoint),
			otlploghttp.WithTimeout(cfg.Timeout),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlploghttp.WithHeaders(cfg.Headers))
		}
		if cfg.TLSEnabled {
			tlsCfg, err := clientTLS(cfg)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlploghttp.WithTLSClientConfig(tlsCfg))
		} else {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTEL protocol %q", cfg.Protocol)
	}
}
