package main

import (
	"testing"
	"time"

	"github.com/septivank/cgm-display-worker/internal/backend"
	"github.com/septivank/cgm-display-worker/internal/cgm"
	"github.com/septivank/cgm-display-worker/internal/config"
	"github.com/septivank/cgm-display-worker/internal/display"
	"github.com/septivank/cgm-display-worker/internal/retry"
	"go.uber.org/zap"
)

func TestProvideBackend(t *testing.T) {
	cases := map[string]cgm.Source{
		config.BackendDexcom:     cgm.SourceDexcom,
		config.BackendNightscout: cgm.SourceNightscout,
		config.BackendSugarmate:  cgm.SourceSugarmate,
	}

	for name, want := range cases {
		cfg := &config.Config{Backend: name}
		m := ProvideMetrics(cfg)
		b, err := ProvideBackend(cfg, backend.NewHTTPClient(time.Second), retry.NewPolicy(0, time.Millisecond, nil), m, zap.NewNop())
		if err != nil {
			t.Fatalf("backend %s: %v", name, err)
		}
		if b.Source() != want {
			t.Errorf("backend %s: expected source %s, got %s", name, want, b.Source())
		}
	}
}

func TestProvideBackend_Unknown(t *testing.T) {
	cfg := &config.Config{Backend: "libre"}
	_, err := ProvideBackend(cfg, backend.NewHTTPClient(time.Second), retry.NewPolicy(0, 0, nil), ProvideMetrics(cfg), zap.NewNop())
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}

func TestProvideSurface_WithoutOutlet(t *testing.T) {
	s := ProvideSurface(nil, zap.NewNop())
	if _, ok := s.(*display.LogSurface); !ok {
		t.Errorf("expected only the log surface, got %T", s)
	}
}
