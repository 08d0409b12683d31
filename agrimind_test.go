package agrimind

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWiresMemoryApp(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	def := 0.30
	app, err := New(context.Background(),
		WithLogger(testLogger()),
		WithMemoryLedger(),
		WithDataset(map[string]DatasetRecord{
			"soil_moisture/field_1": {Value: 0.27, ObservedAt: time.Now().UTC()},
		}),
		WithRuleTable(RuleTable{"soil_moisture": {Default: &def}}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := app.Mode(); got != ModeNormal {
		t.Fatalf("mode = %s, want normal before any health poll", got)
	}
	if err := app.Ledger().VerifyChain(context.Background()); err != nil {
		t.Fatalf("VerifyChain on empty ledger: %v", err)
	}

	reading, err := app.Resolve(context.Background(), "soil_moisture", "field_1", ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reading.Source != TierDataset || reading.Value != 0.27 {
		t.Fatalf("reading = %+v, want dataset 0.27", reading)
	}
}

func TestNewFailsCleanlyOnBadCache(t *testing.T) {
	// A malformed cache URL must fail construction after the ledger store
	// was already opened; the error path releases what was acquired.
	t.Setenv("AGRIMIND_LEDGER_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("REDIS_URL", "not-a-redis-url")

	if _, err := New(context.Background(), WithLogger(testLogger())); err == nil {
		t.Fatal("New succeeded with a malformed REDIS_URL")
	}

	// The store was closed on the way out: a fresh open over the same
	// file succeeds and starts an intact chain.
	t.Setenv("REDIS_URL", "")
	app, err := New(context.Background(), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New after failed construction: %v", err)
	}
	if err := app.Ledger().VerifyChain(context.Background()); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestNewRejectsInvalidAgentSpec(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	_, err := New(context.Background(),
		WithLogger(testLogger()),
		WithMemoryLedger(),
		WithAgent(AgentSpec{Role: RoleSensor}),
	)
	if err == nil {
		t.Fatal("New accepted an agent spec without an ID")
	}
}
