package replication_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/replica/replication"
)

// Retryer succeeds at a certain trial.
type retryer struct {
	Count     int
	SucceedAt int
}

func (r *retryer) try(_ context.Context) error {
	r.Count++
	if r.Count == r.SucceedAt {
		return nil
	}
	return replication.ErrRetryable
}

func TestRetryer_Run(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		retryFunc func(ctx context.Context) error
		interval  time.Duration
		context   func() (context.Context, context.CancelFunc)
		wantErr   bool
	}{
		{
			name:      "success",
			retryFunc: func(ctx context.Context) error { return nil },
			wantErr:   false,
		},
		{
			name:      "not retryable error",
			retryFunc: func(ctx context.Context) error { return errors.New("some error") },
			wantErr:   true,
		},
		{
			name:      "retryable error until the context times out",
			retryFunc: func(ctx context.Context) error { return replication.ErrRetryable },
			context: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			wantErr: true,
		},
		{
			name: "succeed at the 3rd try",
			retryFunc: func() func(ctx context.Context) error {
				r := retryer{SucceedAt: 3}
				return r.try
			}(),
			wantErr: false,
		},
		{
			name: "a connect failure of the session is retryable",
			retryFunc: func() func(ctx context.Context) error {
				cnt := 0
				return func(ctx context.Context) error {
					cnt++
					if cnt < 2 {
						return &replication.SessionError{Code: replication.CodeConnect, Op: "connect", Err: errors.New("refused")}
					}
					return nil
				}
			}(),
			wantErr: false,
		},
		{
			name: "don't retry if context is canceled",
			retryFunc: func(ctx context.Context) error {
				return replication.ErrRetryable
			},
			context: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel // already canceled context is passed
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// --- given ---
			r := replication.NewRetryer(tt.retryFunc, 10*time.Millisecond, 2)
			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tt.context != nil {
				ctx, cancel = tt.context()
			}
			defer cancel()

			// --- when ---
			err := r.Run(ctx)

			// --- then ---
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
