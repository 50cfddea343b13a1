package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
)

var log = logging.Logger("module/telemetry")

const serviceName = "smtnode"

// ConstructModule always provides a Prometheus registry. Only an enabled config exports it.
func ConstructModule(cfg *Config) fx.Option {
	cfgErr := cfg.Validate()

	baseComponents := fx.Options(
		fx.Supply(cfg),
		fx.Error(cfgErr),
		fx.Provide(prometheus.NewRegistry),
		fx.Provide(func(reg *prometheus.Registry) prometheus.Registerer {
			return reg
		}),
	)

	if !cfg.Enabled {
		return fx.Module("telemetry", baseComponents)
	}

	return fx.Module(
		"telemetry",
		baseComponents,
		fx.Invoke(registerRuntimeCollectors),
		fx.Invoke(initMeterProvider),
		fx.Invoke(prometheusMetrics),
	)
}

func registerRuntimeCollectors(reg prometheus.Registerer) error {
	return errors.Join(
		reg.Register(collectors.NewGoCollector()),
		reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	)
}

// initMeterProvider routes otel instruments into the Prometheus registry.
func initMeterProvider(lc fx.Lifecycle, reg prometheus.Registerer) error {
	exp, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exp),
		sdkmetric.WithResource(resource.NewWithAttributes(
			"",
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetMeterProvider(provider)
	lc.Append(fx.StopHook(provider.Shutdown))
	return nil
}

func prometheusMetrics(lc fx.Lifecycle, cfg *Config, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorw("serving metrics", "err", err)
				}
			}()
			log.Infow("serving prometheus metrics", "address", ln.Addr().String(), "endpoint", cfg.Endpoint)
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
