package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"time"

	"github.com/agentuity/cachemachine/logger"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const exportTimeout = 10 * time.Second

// GenerateOTLPBearerToken signs token with sharedSecret, returning
// <token>.<signature>.
func GenerateOTLPBearerToken(sharedSecret string, token string) (string, error) {
	hash := sha256.New()
	if _, err := hash.Write([]byte(sharedSecret + "." + token)); err != nil {
		return "", errors.Wrap(err, "error hashing token")
	}
	return token + "." + base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}

// GenerateOTLPBearerTokenWithExpiration returns a signed token of the form
// <lifetime>.<issued unix seconds>.<signature>.
func GenerateOTLPBearerTokenWithExpiration(sharedSecret string, expiration time.Time) (string, error) {
	lifetime := time.Until(expiration).Round(time.Second)
	if lifetime <= 0 {
		return "", errors.New("expiration time is in the past")
	}
	token := str2duration.String(lifetime) + "." + strconv.FormatInt(time.Now().Unix(), 10)
	return GenerateOTLPBearerToken(sharedSecret, token)
}

type ShutdownFunc func()

// New installs a global tracer provider exporting spans to endpoint over
// OTLP/HTTP and returns a logger exporting records to the same collector.
// Exported records start at info. When console is non-nil the returned
// logger writes through it first.
func New(ctx context.Context, serviceName string, authToken string, endpoint string, console logger.Logger) (logger.Logger, ShutdownFunc, error) {
	otlpURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error parsing otlp endpoint")
	}
	if otlpURL.Scheme != "http" && otlpURL.Scheme != "https" {
		return nil, nil, errors.Newf("error parsing otlp endpoint: unsupported scheme %q", otlpURL.Scheme)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, nil, errors.Wrap(err, "error creating resource")
	}

	headers := map[string]string{}
	if authToken != "" {
		headers["Authorization"] = "Bearer " + authToken
	}
	insecure := otlpURL.Scheme == "http"

	traceURL := *otlpURL
	traceURL.Path = "/v1/traces"
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL.String()),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating trace exporter")
	}

	logURL := *otlpURL
	logURL.Path = "/v1/logs"
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL.String()),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(exportTimeout),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating log exporter")
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	var log logger.Logger = logger.NewOtelLogger(logProvider.Logger(serviceName), logger.LevelInfo)
	if console != nil {
		log = console.Stack(log)
	}

	return log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		_ = tracerProvider.Shutdown(ctx)
		_ = logProvider.Shutdown(ctx)
	}, nil
}

// StartSpan starts a span and returns a logger bound to it, tagged with the
// trace id so console lines can be matched against exported traces.
func StartSpan(ctx context.Context, log logger.Logger, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, logger.Logger, trace.Span) {
	ctx, span := tracer.Start(ctx, name, opts...)
	log = log.WithContext(ctx)
	if sc := span.SpanContext(); sc.HasTraceID() {
		log = logger.WithKV(log, "trace_id", sc.TraceID().String())
	}
	return ctx, log, span
}
