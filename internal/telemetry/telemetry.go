// Package telemetry wires OpenTelemetry metrics for relaysync.
//
// Telemetry is disabled by default; Init then installs a no-op meter
// provider. When enabled, metrics are exported periodically to stdout (or
// the configured writer).
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationScope = "github.com/agentworkforce/relaysync"

type Options struct {
	Enabled     bool
	ServiceName string
	Version     string
	// Interval between exports. Defaults to 30s.
	Interval time.Duration
	// Writer receives exported metrics. Defaults to stderr.
	Writer io.Writer
}

var (
	shutdownMu  sync.Mutex
	shutdownFns []func(context.Context) error
)

// Init installs the global meter provider.
func Init(ctx context.Context, opts Options) error {
	if !opts.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "relaysync"
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.Version),
	)
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(opts.Writer))
	if err != nil {
		return fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(opts.Interval))),
	)
	otel.SetMeterProvider(mp)

	shutdownMu.Lock()
	shutdownFns = append(shutdownFns, mp.Shutdown)
	shutdownMu.Unlock()
	return nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending metrics and shuts down the providers installed by
// Init.
func Shutdown(ctx context.Context) {
	shutdownMu.Lock()
	fns := shutdownFns
	shutdownFns = nil
	shutdownMu.Unlock()
	for _, fn := range fns {
		_ = fn(ctx)
	}
}
