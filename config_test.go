package relaymeter

import (
	"testing"
	"time"
)

func TestTimeoutConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TimeoutConfig
		wantErr bool
	}{
		{"defaults", DefaultTimeouts, false},
		{"zero evaluate", DefaultTimeouts.WithEvaluateTimeout(0), true},
		{"zero settle", DefaultTimeouts.WithSettleTimeout(0), true},
		{"zero request", DefaultTimeouts.WithRequestTimeout(0), true},
		{"settle below evaluate", DefaultTimeouts.WithSettleTimeout(time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v; wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTimeoutConfigWithCopies(t *testing.T) {
	// The With* helpers return modified copies and never mutate the receiver.
	base := DefaultTimeouts
	_ = base.WithEvaluateTimeout(time.Minute).
		WithSettleTimeout(2 * time.Minute).
		WithRequestTimeout(3 * time.Minute)

	if base != DefaultTimeouts {
		t.Errorf("base mutated: %+v", base)
	}

	updated := base.WithEvaluateTimeout(time.Minute)
	if updated.EvaluateTimeout != time.Minute {
		t.Errorf("EvaluateTimeout = %v; want 1m", updated.EvaluateTimeout)
	}
	if updated.SettleTimeout != base.SettleTimeout {
		t.Errorf("SettleTimeout changed: %v", updated.SettleTimeout)
	}
}
