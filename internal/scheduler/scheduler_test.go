package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viniciushammett/go-dns-anomaly-detector/internal/logger"
	"github.com/viniciushammett/go-dns-anomaly-detector/internal/store"
)

type countRefresher struct{ n int }

func (c *countRefresher) Refresh(context.Context) (store.Run, error) {
	c.n++
	return store.Run{}, nil
}

func TestParse(t *testing.T) {
	s, err := Parse("*/5 * * * *")
	require.NoError(t, err)
	from := time.Date(2024, 3, 10, 15, 2, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 3, 10, 15, 5, 0, 0, time.UTC), s.Next(from))

	_, err = Parse("@every 1m")
	require.NoError(t, err)

	_, err = Parse("every five minutes")
	require.Error(t, err)
}

func TestRun_BadSpec(t *testing.T) {
	err := Run(context.Background(), logger.Nop(), "nope", &countRefresher{})
	require.Error(t, err)
}

func TestRun_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := &countRefresher{}
	go func() { done <- Run(ctx, logger.Nop(), "@every 1h", r) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.Zero(t, r.n)
}
