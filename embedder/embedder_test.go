package embedder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/embedder"
)

// flaky fails with ErrUnavailable a set number of times, then works.
type flaky struct {
	failures int
	calls    int
}

func (f *flaky) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, embedder.ErrUnavailable
	}
	return []float32{1, 0}, nil
}

func (f *flaky) Dimensions() int { return 2 }

type broken struct{ err error }

func (b *broken) Embed(ctx context.Context, text string) ([]float32, error) { return nil, b.err }
func (b *broken) Dimensions() int                                           { return 2 }

func TestRetryingRecoversFromTransientFailure(t *testing.T) {
	inner := &flaky{failures: 2}
	r := embedder.NewRetrying(inner, 4, time.Millisecond, 5*time.Millisecond, nil)

	vec, err := r.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0}, vec)
	require.Equal(t, 3, inner.calls)
}

func TestRetryingGivesUpAfterAttempts(t *testing.T) {
	inner := &flaky{failures: 100}
	r := embedder.NewRetrying(inner, 3, time.Millisecond, 5*time.Millisecond, nil)

	_, err := r.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, embedder.ErrUnavailable)
	require.Equal(t, 3, inner.calls)
}

func TestRetryingPassesThroughTerminalErrors(t *testing.T) {
	terminal := errors.New("bad input")
	r := embedder.NewRetrying(&broken{err: terminal}, 4, time.Millisecond, 5*time.Millisecond, nil)

	_, err := r.Embed(context.Background(), "hello")
	require.ErrorIs(t, err, terminal)
	require.NotErrorIs(t, err, embedder.ErrUnavailable)
}

func TestRetryingHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := embedder.NewRetrying(&flaky{failures: 100}, 4, 50*time.Millisecond, time.Second, nil)
	_, err := r.Embed(ctx, "hello")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryingDimensions(t *testing.T) {
	r := embedder.NewRetrying(&flaky{}, 0, 0, 0, nil)
	require.Equal(t, 2, r.Dimensions())
}
