package networking

import (
	"math"
	"testing"
	"time"
)

func TestTrafficMeterAccumulatesPerRole(t *testing.T) {
	current := time.Unix(0, 0)
	clock := func() time.Time { return current }
	meter := NewTrafficMeter(clock)

	meter.Record("web-client", 100)
	meter.Record("electron-hiprint", 40)
	current = current.Add(2 * time.Second)
	meter.Record("web-client", 300)

	usage := meter.Snapshot()
	if len(usage) != 2 {
		t.Fatalf("expected two roles, got %d", len(usage))
	}
	if usage[0].Role != "electron-hiprint" || usage[1].Role != "web-client" {
		t.Fatalf("unexpected role order %+v", usage)
	}
	web := usage[1]
	if web.Frames != 2 || web.Bytes != 400 {
		t.Fatalf("unexpected web totals %+v", web)
	}
	if math.Abs(web.BytesPerSecond-200) > 0.001 || web.ObservedSeconds != 2 {
		t.Fatalf("unexpected web throughput %+v", web)
	}
}

func TestNilTrafficMeterIsSafe(t *testing.T) {
	var meter *TrafficMeter
	meter.Record("web-client", 10)
	if meter.Snapshot() != nil {
		t.Fatal("nil meter should snapshot to nil")
	}
}
