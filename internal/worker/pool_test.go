package worker

import (
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPoolUpdateReplacesStatus(t *testing.T) {
	p := NewPool("recorders", "us-east", nil, testLogger())

	p.UpdateWorker("w1", Status{Region: "us-east", SupportsSip: true, Participants: 5})
	p.UpdateWorker("w1", Status{Region: "us-east"})

	w, ok := p.Get("w1")
	if !ok {
		t.Fatal("worker not found after update")
	}
	if w.SupportsSip {
		t.Error("sip support survived a replacement update that dropped it")
	}
	if w.Participants != 0 {
		t.Errorf("participants = %d, want 0 after replacement update", w.Participants)
	}
}

func TestPoolSelectWorkerTiers(t *testing.T) {
	tests := []struct {
		name      string
		workers   map[string]Status
		preferred []string
		want      string
	}{
		{
			name: "preferred region wins",
			workers: map[string]Status{
				"w-eu": {Region: "eu-west"},
				"w-us": {Region: "us-east"},
				"w-ap": {Region: "ap-south"},
			},
			preferred: []string{"eu-west"},
			want:      "w-eu",
		},
		{
			name: "falls back to region group",
			workers: map[string]Status{
				"w-central": {Region: "eu-central"},
				"w-us":      {Region: "us-east"},
			},
			preferred: []string{"eu-west"},
			want:      "w-central",
		},
		{
			name: "falls back to local region",
			workers: map[string]Status{
				"w-us": {Region: "us-east"},
				"w-ap": {Region: "ap-south"},
			},
			preferred: []string{"eu-west"},
			want:      "w-us",
		},
		{
			name: "falls back to any region",
			workers: map[string]Status{
				"w-ap": {Region: "ap-south"},
			},
			preferred: []string{"eu-west"},
			want:      "w-ap",
		},
		{
			name: "local region when nothing preferred",
			workers: map[string]Status{
				"w-us": {Region: "us-east"},
				"w-ap": {Region: "ap-south"},
			},
			want: "w-us",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool("recorders", "us-east", [][]string{{"eu-west", "eu-central"}}, testLogger())
			for id, st := range tt.workers {
				p.UpdateWorker(id, st)
			}
			w, ok := p.SelectWorker(nil, tt.preferred, CapabilityAny)
			if !ok {
				t.Fatal("SelectWorker returned no candidate")
			}
			if w.ID != tt.want {
				t.Errorf("selected %s, want %s", w.ID, tt.want)
			}
		})
	}
}

func TestPoolSelectWorkerLeastLoaded(t *testing.T) {
	p := NewPool("recorders", "us-east", nil, testLogger())
	p.UpdateWorker("w1", Status{Region: "us-east", Participants: 3})
	p.UpdateWorker("w2", Status{Region: "us-east", Participants: 1})

	w, ok := p.SelectWorker(nil, nil, CapabilityAny)
	if !ok || w.ID != "w2" {
		t.Errorf("selected %s, want w2 with the fewest participants", w.ID)
	}

	p.UpdateWorker("w1", Status{Region: "us-east", Participants: 1})
	w, ok = p.SelectWorker(nil, nil, CapabilityAny)
	if !ok || w.ID != "w1" {
		t.Errorf("selected %s, want w1 on the id tie-break", w.ID)
	}
}

func TestPoolSelectWorkerFilters(t *testing.T) {
	p := NewPool("sip", "us-east", nil, testLogger())
	p.UpdateWorker("w-busy", Status{SupportsSip: true, Busy: true})
	p.UpdateWorker("w-drain", Status{SupportsSip: true, Drain: true})
	p.UpdateWorker("w-shutdown", Status{SupportsSip: true, GracefulShutdown: true})
	p.UpdateWorker("w-nosip", Status{})
	p.UpdateWorker("w-sip", Status{SupportsSip: true})

	w, ok := p.SelectWorker(nil, nil, CapabilitySip)
	if !ok || w.ID != "w-sip" {
		t.Fatalf("selected %s, want w-sip", w.ID)
	}

	if _, ok := p.SelectWorker(map[string]bool{"w-sip": true}, nil, CapabilitySip); ok {
		t.Error("SelectWorker found a candidate with the only usable worker excluded")
	}
}

func TestPoolEligibleCountIgnoresBusy(t *testing.T) {
	p := NewPool("recorders", "us-east", nil, testLogger())
	p.UpdateWorker("w1", Status{Busy: true})
	p.UpdateWorker("w2", Status{GracefulShutdown: true})

	if got := p.EligibleCount(nil, CapabilityAny); got != 1 {
		t.Errorf("EligibleCount = %d, want 1 (busy workers still count)", got)
	}
	if _, ok := p.SelectWorker(nil, nil, CapabilityAny); ok {
		t.Error("SelectWorker picked a busy worker")
	}
}

func TestPoolRemoveWorker(t *testing.T) {
	p := NewPool("recorders", "us-east", nil, testLogger())
	p.UpdateWorker("w2", Status{})
	p.UpdateWorker("w1", Status{})

	workers := p.Workers()
	if len(workers) != 2 || workers[0].ID != "w1" || workers[1].ID != "w2" {
		t.Fatalf("Workers() = %v, want [w1 w2]", workers)
	}

	p.RemoveWorker("w1")
	p.RemoveWorker("w1")
	if got := p.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
	if _, ok := p.Get("w1"); ok {
		t.Error("removed worker still present")
	}
}
