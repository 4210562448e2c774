package ingress

import "testing"

func TestPoolSelectRoundRobinsOverHealthyAndUnknown(t *testing.T) {
	p := NewPool()
	b1 := NewBackend("i1", "fd00::1", 8080)
	b2 := NewBackend("i2", "fd00::2", 8080)
	p.Replace([]*Backend{b1, b2})

	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		b, err := p.Select()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[b.InstanceID]++
	}
	if seen["i1"] == 0 || seen["i2"] == 0 {
		t.Fatalf("expected round robin to hit both backends, got %v", seen)
	}
}

func TestPoolSelectSkipsUnhealthyButKeepsThemEligibleLater(t *testing.T) {
	p := NewPool()
	b1 := NewBackend("i1", "fd00::1", 8080)
	b2 := NewBackend("i2", "fd00::2", 8080)
	b1.MarkUnhealthy()
	p.Replace([]*Backend{b1, b2})

	for i := 0; i < 5; i++ {
		b, err := p.Select()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b.InstanceID != "i2" {
			t.Fatalf("expected only i2 selected while i1 unhealthy, got %s", b.InstanceID)
		}
	}

	b1.MarkHealthy()
	sawB1 := false
	for i := 0; i < 5; i++ {
		b, err := p.Select()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b.InstanceID == "i1" {
			sawB1 = true
		}
	}
	if !sawB1 {
		t.Fatalf("expected i1 to become eligible again once marked healthy")
	}
}

func TestPoolSelectReturnsErrNoBackendWhenEmpty(t *testing.T) {
	p := NewPool()
	if _, err := p.Select(); err != ErrNoBackend {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}

func TestPoolSelectReturnsErrNoBackendWhenAllUnhealthy(t *testing.T) {
	p := NewPool()
	b1 := NewBackend("i1", "fd00::1", 8080)
	b1.MarkUnhealthy()
	p.Replace([]*Backend{b1})

	if _, err := p.Select(); err != ErrNoBackend {
		t.Fatalf("expected ErrNoBackend when every backend unhealthy, got %v", err)
	}
}

func TestPoolReplacePreservesHealthForSurvivingInstances(t *testing.T) {
	p := NewPool()
	b1 := NewBackend("i1", "fd00::1", 8080)
	b1.MarkUnhealthy()
	p.Replace([]*Backend{b1})

	// a fresh Backend value for the same instance id, as a re-sync from
	// the read model would produce
	b1Again := NewBackend("i1", "fd00::1", 8080)
	b2New := NewBackend("i2", "fd00::2", 8080)
	p.Replace([]*Backend{b1Again, b2New})

	if b1Again.Health() != HealthUnhealthy {
		t.Fatalf("expected surviving instance to carry over unhealthy state, got %s", b1Again.Health())
	}
	if b2New.Health() != HealthUnknown {
		t.Fatalf("expected newly discovered backend to start unknown, got %s", b2New.Health())
	}
}
