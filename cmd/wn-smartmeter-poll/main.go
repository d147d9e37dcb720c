package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/influxdata/telegraf/metric"
	"github.com/influxdata/telegraf/plugins/serializers/influx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	smartmeter "github.com/wnsm/smartmeter-wiener-netze"
)

const usage = `
Polls the Wiener Netze Smartmeter API and prints the meter reading plus the
daily consumption of yesterday and the day before, in the influx line
protocol on stdout. All values are in kWh and tagged with the zaehlpunkt.

Credentials come from the environment (a .env file in the working directory
is honored): 'SMARTMETER_USERNAME' and 'SMARTMETER_PASSWORD' for log.wien,
'SMARTMETER_ZAEHLPUNKT' for the meter, and 'SMARTMETER_CUSTOMER_ID' for the
generations that need it.

Attributes the API did not deliver for a cycle are left out of the metric
rather than reported as zero. Failed cycles are logged and retried on the
next tick.
`

func main() {
	var (
		interval   time.Duration
		once       bool
		verify     bool
		generation string
		metricName string
		timeout    time.Duration
		debug      bool
	)

	flag.DurationVar(&interval, "interval", time.Hour, "polling interval")
	flag.BoolVar(&once, "once", false, "run a single fetch cycle and exit")
	flag.BoolVar(&verify, "verify", false, "only verify the credentials and exit")
	flag.StringVar(&generation, "generation", "consumptions", "API generation (consumptions, verbrauch, verbrauchRaw)")
	flag.StringVar(&metricName, "metricName", "smartmeter", "name of the metric")
	flag.DurationVar(&timeout, "timeout", smartmeter.DefaultTimeout, "timeout per network call")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")

	flag.Usage = func(orgUsage func()) func() {
		return func() {
			orgUsage()
			out := flag.CommandLine.Output()
			fmt.Fprint(out, usage, "\n")
			fmt.Fprintln(out, "Version:", smartmeter.VersionInfo())
		}
	}(flag.Usage)

	flag.Parse()

	logger := newLogger(debug)
	defer logger.Sync()

	_ = godotenv.Load()

	gen, err := smartmeter.ParseGeneration(generation)
	if err != nil {
		logger.Fatal("invalid generation", zap.Error(err))
	}

	cfg := smartmeter.Config{
		Username:   mustEnv(logger, "SMARTMETER_USERNAME"),
		Password:   mustEnv(logger, "SMARTMETER_PASSWORD"),
		Zaehlpunkt: mustEnv(logger, "SMARTMETER_ZAEHLPUNKT"),
		CustomerID: os.Getenv("SMARTMETER_CUSTOMER_ID"),
		Generation: gen,
		Timeout:    timeout,
		Logger:     logger,
	}
	if gen == smartmeter.GenerationVerbrauch && cfg.CustomerID == "" {
		logger.Fatal("SMARTMETER_CUSTOMER_ID not set, required for the verbrauch generation")
	}

	client, err := smartmeter.NewMeterDataClient(cfg)
	if err != nil {
		logger.Fatal("setting up client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if verify {
		if err := client.Verify(ctx); err != nil {
			if smartmeter.IsInvalidCredentials(err) {
				logger.Fatal("credentials rejected", zap.Error(err))
			}
			logger.Fatal("could not reach the provider", zap.Error(err))
		}
		logger.Info("credentials verified")
		return
	}

	serializer := &influx.Serializer{}
	if err := serializer.Init(); err != nil {
		logger.Fatal("setting up serializer", zap.Error(err))
	}

	cycle := func() {
		record, err := client.Refresh(ctx)
		if err != nil {
			logger.Error("fetch cycle failed", zap.Error(err))
			return
		}

		fields := map[string]any{}
		for attr, value := range record {
			fields[string(attr)] = value
		}
		m := metric.New(
			metricName,
			map[string]string{"zaehlpunkt": cfg.Zaehlpunkt},
			fields,
			time.Now(),
		)
		if err := serializer.Write(os.Stdout, m); err != nil {
			logger.Error("writing metric", zap.Error(err))
		}
	}

	cycle()
	if once {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			cycle()
		}
	}
}

func newLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stderr"}
	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func mustEnv(logger *zap.Logger, key string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		logger.Fatal("missing environment variable", zap.String("key", key))
	}
	return value
}
