package retry

import (
	"context"
	"testing"
	"time"

	"github.com/exploopio/attackmap/pkg/errors"
)

func TestBackoffConfig_Schedule(t *testing.T) {
	tests := []struct {
		name string
		cfg  BackoffConfig
		want []time.Duration
	}{
		{
			name: "exponential capped",
			cfg:  BackoffConfig{Strategy: BackoffExponential, BaseInterval: time.Second, MaxInterval: 3 * time.Second},
			want: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		},
		{
			name: "linear",
			cfg:  BackoffConfig{Strategy: BackoffLinear, BaseInterval: time.Second},
			want: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		},
		{
			name: "constant",
			cfg:  BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Second, Jitter: 0.5},
			want: []time.Duration{time.Second, time.Second, time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.Schedule(3)
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Schedule()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBackoffConfig_Jitter(t *testing.T) {
	cfg := BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Second, Jitter: 0.1}
	for range 20 {
		d := cfg.Interval(1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("Interval() = %v outside jitter range", d)
		}
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		Backoff:     &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Millisecond},
	}
}

func TestDo_RetriesRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.E(errors.KindNetwork, "fetch", "connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return errors.ErrBundleMalformed
	})
	if !errors.Is(err, errors.ErrBundleMalformed) {
		t.Errorf("Do() error = %v, want ErrBundleMalformed", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) error {
		calls++
		return errors.E(errors.KindTimeout, "fetch", "deadline")
	})
	if err == nil || calls != 2 {
		t.Errorf("Do() = %v after %d calls, want error after 2", err, calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, Backoff: &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Hour}}

	err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.E(errors.KindNetwork, "fetch", "refused")
	})
	if errors.GetKind(err) != errors.KindTimeout {
		t.Errorf("GetKind() = %v, want timeout", errors.GetKind(err))
	}
}
