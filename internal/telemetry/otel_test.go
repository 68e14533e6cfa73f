package telemetry

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected no-op tracer and meter")
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), OTelConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	// Instruments should be usable without panicking.
	m.TasksReceived.Add(context.Background(), 1)
	m.ActiveDispatches.Add(context.Background(), 1)
	m.ActiveDispatches.Add(context.Background(), -1)
	m.DispatchDuration.Record(context.Background(), 0.5)
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), OTelConfig{Enabled: true, Exporter: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
