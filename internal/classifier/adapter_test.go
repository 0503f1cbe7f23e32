package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/txmonitor/internal/domain"
	"github.com/banking/txmonitor/internal/metrics"
	"github.com/banking/txmonitor/internal/pkg/logger"
)

var windows = []domain.WindowSpec{
	{Name: "1h", Duration: time.Hour},
	{Name: "24h", Duration: 24 * time.Hour},
}

func testTx() *domain.Transaction {
	return &domain.Transaction{
		ID: "tx-1", EntityID: "E1", Amount: 5_000, Currency: "USD",
		Timestamp: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC),
		Channel:   domain.ChannelWallet,
	}
}

func fixed(score, confidence float64) Model {
	return ModelFunc(func(context.Context, Features) (Prediction, error) {
		return Prediction{Score: score, Confidence: confidence}, nil
	})
}

func newAdapter(model Model, timeout time.Duration) *Adapter {
	return NewAdapter(model, windows, Options{Timeout: timeout, BreakerMaxFailures: 3, BreakerOpenTimeout: time.Minute}, logger.NewNop(), metrics.New())
}

func TestAdapter_Score(t *testing.T) {
	res := newAdapter(fixed(5, 0.9), 50*time.Millisecond).Score(context.Background(), testTx(), nil)
	assert.True(t, res.Available)
	assert.Equal(t, 5.0, res.Score)
	assert.Equal(t, 0.9, res.Confidence)
	assert.False(t, res.Clamped)
}

func TestAdapter_PanickingModelIsUnavailable(t *testing.T) {
	a := newAdapter(ModelFunc(func(context.Context, Features) (Prediction, error) {
		panic("nil feature vector")
	}), 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		res := a.Score(context.Background(), testTx(), nil)
		assert.False(t, res.Available)
		assert.Equal(t, domain.ClassifierError, res.Reason)
	}
	res := a.Score(context.Background(), testTx(), nil)
	assert.Equal(t, domain.ClassifierCircuitOpen, res.Reason, "panics count as breaker failures")
}

func TestAdapter_Disabled(t *testing.T) {
	a := newAdapter(nil, 0)
	assert.False(t, a.Enabled())
	res := a.Score(context.Background(), testTx(), nil)
	assert.False(t, res.Available)
	assert.Equal(t, domain.ClassifierDisabled, res.Reason)
	assert.Equal(t, 15*time.Millisecond, a.Timeout())
}

func TestAdapter_TimeoutBoundsLatency(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stubs := map[string]Model{
		"slow": ModelFunc(func(ctx context.Context, _ Features) (Prediction, error) {
			select {
			case <-time.After(time.Second):
				return Prediction{Score: 99}, nil
			case <-ctx.Done():
				return Prediction{}, ctx.Err()
			}
		}),
		"never": ModelFunc(func(context.Context, Features) (Prediction, error) {
			<-release
			return Prediction{}, nil
		}),
	}

	const timeout = 20 * time.Millisecond
	const epsilon = 100 * time.Millisecond

	for name, model := range stubs {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			res := newAdapter(model, timeout).Score(context.Background(), testTx(), nil)
			elapsed := time.Since(start)

			assert.False(t, res.Available)
			assert.Equal(t, domain.ClassifierTimeout, res.Reason)
			assert.GreaterOrEqual(t, elapsed, timeout)
			assert.Less(t, elapsed, timeout+epsilon)
		})
	}
}

func TestAdapter_Error(t *testing.T) {
	model := ModelFunc(func(context.Context, Features) (Prediction, error) {
		return Prediction{}, errors.New("connection refused")
	})
	res := newAdapter(model, 50*time.Millisecond).Score(context.Background(), testTx(), nil)
	assert.False(t, res.Available)
	assert.Equal(t, domain.ClassifierError, res.Reason)
}

func TestAdapter_ClampsOutOfRange(t *testing.T) {
	tests := []struct {
		name       string
		score      float64
		confidence float64
		want       float64
		wantConf   float64
	}{
		{"AboveMax", 150, 0.5, 100, 0.5},
		{"BelowMin", -3, 0.5, 0, 0.5},
		{"BadConfidence", 40, 1.7, 40, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newAdapter(fixed(tt.score, tt.confidence), 50*time.Millisecond).Score(context.Background(), testTx(), nil)
			assert.True(t, res.Available)
			assert.True(t, res.Clamped)
			assert.Equal(t, tt.want, res.Score)
			assert.Equal(t, tt.wantConf, res.Confidence)
		})
	}

	res := newAdapter(fixed(math.NaN(), 0.5), 50*time.Millisecond).Score(context.Background(), testTx(), nil)
	assert.False(t, res.Available)
	assert.Equal(t, domain.ClassifierInvalid, res.Reason)
}

func TestAdapter_CallerCancelDoesNotAbortCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	callErr := make(chan error, 1)

	model := ModelFunc(func(ctx context.Context, _ Features) (Prediction, error) {
		close(started)
		<-release
		callErr <- ctx.Err()
		return Prediction{Score: 10}, nil
	})
	a := newAdapter(model, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.ClassifierResult, 1)
	go func() { done <- a.Score(ctx, testTx(), nil) }()

	<-started
	cancel()

	select {
	case res := <-done:
		assert.False(t, res.Available)
		assert.Equal(t, domain.ClassifierCanceled, res.Reason)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Score did not return after caller cancellation")
	}

	close(release)
	select {
	case err := <-callErr:
		assert.NoError(t, err, "in-flight call must keep its own context")
	case <-time.After(time.Second):
		t.Fatal("model call never completed")
	}
}

func TestAdapter_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	model := ModelFunc(func(context.Context, Features) (Prediction, error) {
		calls.Add(1)
		return Prediction{}, errors.New("boom")
	})
	a := newAdapter(model, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.ClassifierError, a.Score(context.Background(), testTx(), nil).Reason)
	}
	res := a.Score(context.Background(), testTx(), nil)
	assert.Equal(t, domain.ClassifierCircuitOpen, res.Reason)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExtract_FixedShape(t *testing.T) {
	snap := &domain.WindowSnapshot{Windows: map[string]domain.WindowCounters{
		"1h": {Name: "1h", Count: 2, TotalAmount: 7_000, DistinctMerchants: 1},
	}}
	with := Extract(testTx(), snap, windows)
	without := Extract(testTx(), nil, windows)

	require.Equal(t, len(with.Names), len(with.Values))
	assert.Equal(t, with.Names, without.Names)

	idx := func(f Features, name string) float64 {
		for i, n := range f.Names {
			if n == name {
				return f.Values[i]
			}
		}
		t.Fatalf("feature %s missing", name)
		return 0
	}
	assert.Equal(t, 2.0, idx(with, "count_1h"))
	assert.Equal(t, 0.0, idx(without, "count_1h"))
	assert.Equal(t, 1.0, idx(with, "channel_WALLET"))
	assert.Equal(t, 0.0, idx(with, "channel_CARD"))
	assert.Equal(t, 14.0, idx(with, "hour_of_day"))
}

func TestHTTPModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var f Features
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil || len(f.Values) == 0 || len(f.Values) != len(f.Names) {
			http.Error(w, "bad features", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Prediction{Score: 42, Confidence: 0.8})
	}))
	defer srv.Close()

	a := newAdapter(NewHTTPModel(srv.URL, time.Second), time.Second)
	res := a.Score(context.Background(), testTx(), nil)
	require.True(t, res.Available, res.Reason)
	assert.Equal(t, 42.0, res.Score)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	_, err := NewHTTPModel(failing.URL, time.Second).Predict(context.Background(), Extract(testTx(), nil, windows))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
