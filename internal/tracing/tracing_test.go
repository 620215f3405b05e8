package tracing

import (
	"context"
	"testing"
)

func TestInitInstallsProvider(t *testing.T) {
	for _, endpoint := range []string{"localhost:4318", "http://localhost:4318/v1/traces"} {
		shutdown, err := Init(context.Background(), "test", endpoint)
		if err != nil {
			t.Fatalf("Init(%q): %v", endpoint, err)
		}

		_, span := Tracer().Start(context.Background(), "probe")
		if !span.SpanContext().IsValid() {
			t.Fatalf("span from %q provider has invalid context", endpoint)
		}
		span.End()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	}
}
