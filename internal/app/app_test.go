package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"arb-trader/internal/config"
	"arb-trader/internal/venue"
	"arb-trader/internal/venue/live"
	"arb-trader/internal/venue/paper"
	"arb-trader/internal/venue/rest"

	"go.uber.org/zap"
)

// testConfig goes through Load so defaults and validation apply
// exactly as they do in production.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	content := "" +
		"log:\n" +
		"  level: error\n" +
		"store:\n" +
		"  sqlite_path: " + filepath.Join(dir, "arb.db") + "\n" +
		"venues:\n" +
		"  left:\n" +
		"    name: lighter\n" +
		"  right:\n" +
		"    name: grvt\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewPaperMode(t *testing.T) {
	cfg := testConfig(t)
	application, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, ok := application.left.(*paper.Adapter); !ok {
		t.Fatalf("expected paper adapter without base url, got %T", application.left)
	}
	if application.writer != nil {
		t.Fatalf("timescale writer must be nil when disabled")
	}
	if application.Service() == nil || application.Predictor() == nil {
		t.Fatalf("service wiring incomplete")
	}
	_ = application.store.Close()
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	application, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run must return nil on cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop on cancel")
	}
}

func TestBuildAdapterRequiresCredentials(t *testing.T) {
	vc := config.VenueConfig{Name: "grvt", BaseURL: "https://gateway.example"}
	_, err := buildAdapter(vc, time.Second, time.Second, zap.NewNop())
	var cfgErr *venue.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildAdapterRESTAndLive(t *testing.T) {
	t.Setenv("GRVT_API_KEY", "k")
	t.Setenv("GRVT_API_SECRET", "s")

	vc := config.VenueConfig{Name: "grvt", BaseURL: "https://gateway.example"}
	adapter, err := buildAdapter(vc, time.Second, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	if _, ok := adapter.(*rest.Client); !ok {
		t.Fatalf("expected rest client, got %T", adapter)
	}

	vc.WSURL = "wss://gateway.example/ws"
	adapter, err = buildAdapter(vc, time.Second, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("build adapter: %v", err)
	}
	if _, ok := adapter.(*live.Prices); !ok {
		t.Fatalf("expected live wrapper with ws url, got %T", adapter)
	}
}
