package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/flowmend/flowmend/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates session-scoped logging.
func Example_structuredLogging() {
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, os.Stdout)

	logger = logger.NewComponentLogger("healer").WithSessionID("s-1").WithNodeID("gen")
	logger.Debug("Not printed below info level")

	// Output varies with the timestamp, no output specified
	logger.Info("Processor accepted")
}

// Example_events demonstrates following node state changes.
func Example_events() {
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Message)
	}, telemetry.FilterByType(telemetry.EventTypeNodeState))

	_ = events.PublishNodeState("s-1", "gen", "PENDING", "ATTEMPTING")
	_ = events.PublishNodePatched("s-1", "gen", "p-1", 1)
	_ = events.PublishNodeState("s-1", "gen", "ATTEMPTING", "SUCCESS")

	// Output:
	// gen: PENDING -> ATTEMPTING
	// gen: ATTEMPTING -> SUCCESS
}
