package telemetry

import (
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(t.Context(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(t.Context()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_UnknownProtocol(t *testing.T) {
	_, err := Setup(t.Context(), config.TelemetryConfig{Enabled: true, Protocol: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"localhost:4317", "localhost:4317"},
		{"http://localhost:4318", "localhost:4318"},
		{"https://otel.example.com:4317", "otel.example.com:4317"},
	}
	for _, tt := range tests {
		if got := endpointHost(tt.in); got != tt.want {
			t.Errorf("endpointHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
