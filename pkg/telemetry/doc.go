// Package telemetry provides observability instrumentation for flowmend.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and session event publishing into a
// single Telemetry value that the CLI builds once and hands to the engine.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.ListenAddress = ":9464"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx, tel.Logger)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("healer")
//	logger.WithSessionID(id).WithNodeID("gen").Info("Processor accepted")
//	logger.WithError(err).Warn("Processor failed without repair")
//
// # Tracing
//
// A session produces one root span, one span per processor and one span per
// oracle consultation. A nil *Tracer starts no-op spans, so components accept
// an optional tracer without checks.
//
// # Metrics
//
// Metrics cover sessions, node attempts, transient retries, heals, oracle
// calls, remote requests, sandbox teardown and deployments. All record
// methods are safe on a nil or disabled *Metrics.
//
// # Events
//
// The EventPublisher fans node and edge state changes out to subscribers such
// as the watch display of the CLI:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeNodeState))
package telemetry
