package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	name   string
}

// Wrap decorates inner with a span and a debug log entry per call. name
// identifies the backend kind (mem, disk, s3, aws, azure).
func Wrap(inner storage.Backend, logger pslog.Logger, name string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/domainctl/storage"),
		name:   name,
	}
}

func (b *backend) observe(ctx context.Context, op, key string, fn func(context.Context) error) error {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "domainctl.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("domainctl.storage.operation", op),
		attribute.String("domainctl.storage.backend", b.name),
		attribute.String("domainctl.storage.key", key),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage."+op+".begin", "backend", b.name, "key", key)

	err := fn(ctx)
	elapsed := time.Since(begin)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_error")
		logger.Debug("storage."+op+".error", "backend", b.name, "key", key, "error", err, "elapsed", elapsed)
		return err
	}
	span.SetStatus(codes.Ok, "")
	logger.Debug("storage."+op+".success", "backend", b.name, "key", key, "elapsed", elapsed)
	return nil
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.observe(ctx, "get_object", key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, key)
		return err
	})
	return result, err
}

func (b *backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.observe(ctx, "stat_object", key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.StatObject(ctx, key)
		return err
	})
	return info, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.observe(ctx, "put_object", key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, key, body, opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	return b.observe(ctx, "delete_object", key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, key, opts)
	})
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.observe(ctx, "list_objects", opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, opts)
		return err
	})
	return res, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
