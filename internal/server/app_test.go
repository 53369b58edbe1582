package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, p.err
}

func TestPurgeTokens_RunsUntilCancelled(t *testing.T) {
	p := &countingPurger{err: errors.New("boom")}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- purgeTokens(ctx, p, time.Millisecond, logging.Nop()) }()

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, 3*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("purgeTokens did not stop")
	}
}

func TestPurgeTokens_DisabledInterval(t *testing.T) {
	p := &countingPurger{}
	require.NoError(t, purgeTokens(context.Background(), p, 0, logging.Nop()))
	assert.Zero(t, p.calls.Load())
}
