package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/vouch/internal/observe"
)

var errFinal = errors.New("final")

func newMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter sums the data points of name whose key attribute equals value.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func newGroup(t *testing.T, cfg FallbackConfig) (*FallbackGroup[string], *sdkmetric.ManualReader) {
	t.Helper()
	m, reader := newMetrics(t)
	cfg.Metrics = m
	if cfg.Kind == "" {
		cfg.Kind = "test"
	}
	if cfg.CircuitBreaker.MaxFailures == 0 {
		cfg.CircuitBreaker.MaxFailures = 3
	}
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg, reader
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg, _ := newGroup(t, FallbackConfig{})
	got := fg.Names()
	if len(got) != 2 || got[0] != "primary" || got[1] != "secondary" {
		t.Errorf("Names() = %v, want [primary secondary]", got)
	}
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fails     map[string]error
		wantCalls []string
		wantErr   error
	}{
		{
			name:      "primary succeeds",
			wantCalls: []string{"primary"},
		},
		{
			name:      "primary fails",
			fails:     map[string]error{"primary": errTest},
			wantCalls: []string{"primary", "secondary"},
		},
		{
			name:      "all fail",
			fails:     map[string]error{"primary": errTest, "secondary": errTest},
			wantCalls: []string{"primary", "secondary"},
			wantErr:   ErrAllFailed,
		},
		{
			name:      "final error stops",
			fails:     map[string]error{"primary": fmt.Errorf("wrapped: %w", errFinal)},
			wantCalls: []string{"primary"},
			wantErr:   errFinal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg, _ := newGroup(t, FallbackConfig{Final: func(err error) bool { return errors.Is(err, errFinal) }})
			var calls []string
			err := fg.Execute(context.Background(), func(v string) error {
				calls = append(calls, v)
				return tt.fails[v]
			})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute = %v, want %v", err, tt.wantErr)
			}
			if fmt.Sprint(calls) != fmt.Sprint(tt.wantCalls) {
				t.Errorf("calls = %v, want %v", calls, tt.wantCalls)
			}
		})
	}
}

func TestFallbackGroup_AllFailKeepsLastError(t *testing.T) {
	t.Parallel()
	fg, _ := newGroup(t, FallbackConfig{})
	last := errors.New("secondary down")
	err := fg.Execute(context.Background(), func(v string) error {
		if v == "secondary" {
			return last
		}
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, last) {
		t.Errorf("err = %v, want ErrAllFailed wrapping the last error", err)
	}
}

func TestFallbackGroup_FinalErrorKeepsBreakerClosed(t *testing.T) {
	t.Parallel()
	fg, _ := newGroup(t, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		Final:          func(err error) bool { return errors.Is(err, errFinal) },
	})
	for range 3 {
		_ = fg.Execute(context.Background(), func(string) error { return errFinal })
	}
	if s := fg.entries[0].breaker.State(); s != StateClosed {
		t.Errorf("primary breaker = %v, want closed", s)
	}
}

func TestFallbackGroup_CancelledContextDoesNotFailOver(t *testing.T) {
	t.Parallel()
	fg, _ := newGroup(t, FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	err := fg.Execute(ctx, func(v string) error {
		calls = append(calls, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want bare context.Canceled", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only primary", calls)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg, _ := newGroup(t, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Errorf("called = %v, want [secondary]", called)
	}
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{Metrics: observe.DefaultMetrics()})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(context.Background(), fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return fmt.Sprint(v), nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "20" {
		t.Errorf("result = %q, want 20", got)
	}
}

func TestFallbackGroup_Metrics(t *testing.T) {
	t.Parallel()
	fg, reader := newGroup(t, FallbackConfig{Kind: "stt"})
	_ = fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	if got := counter(t, reader, "vouch.provider.failovers", "from", "primary"); got != 1 {
		t.Errorf("failovers from primary = %d, want 1", got)
	}
	if got := counter(t, reader, "vouch.provider.errors", "provider", "primary"); got != 1 {
		t.Errorf("errors for primary = %d, want 1", got)
	}
	if got := counter(t, reader, "vouch.provider.requests", "status", "ok"); got != 1 {
		t.Errorf("ok requests = %d, want 1", got)
	}
}
