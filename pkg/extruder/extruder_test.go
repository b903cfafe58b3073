package extruder

import (
	"sync"
	"testing"
)

func TestStatusContributors(t *testing.T) {
	e := New("extruder1", Limits{NozzleDiameter: 0.4, FilamentArea: 2.4, MaxExtrudeOnlyVelocity: 50})

	status := e.GetStatus(0)
	if _, ok := status["nozzle_diameter"]; ok {
		t.Errorf("expected no nozzle_diameter before a contributor is installed, got %v", status)
	}
	if status["max_extrude_only_velocity"] != 50.0 {
		t.Errorf("expected native velocity 50, got %v", status["max_extrude_only_velocity"])
	}

	added := e.AddStatusContributor("change_nozzle", func(eventtime float64) map[string]any {
		return map[string]any{"nozzle_diameter": e.Limits().NozzleDiameter, "can_extrude": false}
	})
	if !added {
		t.Fatal("expected first contributor to be added")
	}
	if e.AddStatusContributor("change_nozzle", func(float64) map[string]any { return nil }) {
		t.Error("expected duplicate contributor to be rejected")
	}

	e.SetLimits(Limits{NozzleDiameter: 0.6})
	status = e.GetStatus(1)
	if status["nozzle_diameter"] != 0.6 {
		t.Errorf("expected contributor to read current limits, got %v", status["nozzle_diameter"])
	}
	if status["can_extrude"] != false {
		t.Errorf("expected contributor to override native field, got %v", status["can_extrude"])
	}
}

func TestSetLimitsIsAtomic(t *testing.T) {
	a := Limits{NozzleDiameter: 0.4, FilamentArea: 2.4, MaxExtrudeRatio: 0.26, MaxExtrudeOnlyVelocity: 80, MaxExtrudeOnlyAccel: 800}
	b := Limits{NozzleDiameter: 0.8, FilamentArea: 2.4, MaxExtrudeRatio: 1.06, MaxExtrudeOnlyVelocity: 320, MaxExtrudeOnlyAccel: 3200}
	e := New("extruder", a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				e.SetLimits(a)
			} else {
				e.SetLimits(b)
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		if l := e.Limits(); l != a && l != b {
			t.Fatalf("observed a mixed limits value %+v", l)
		}
	}
	close(stop)
	wg.Wait()
}
