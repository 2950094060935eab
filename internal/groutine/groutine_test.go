package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoPropagatesNameAndLabels(t *testing.T) {
	done := make(chan struct{})
	var name, label string

	Go(nil, "timer-confirmation", func(ctx context.Context) { //nolint:staticcheck // nil parent is supported
		name = GetName(ctx)
		label, _ = pprof.Label(ctx, "goroutine_name")
		close(done)
	})
	<-done

	assert.Equal(t, "timer-confirmation", name)
	assert.Equal(t, "timer-confirmation", label)
}

func TestGoTrackedRegistersWithWaitGroup(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0

	for i := 0; i < 5; i++ {
		GoTracked(context.Background(), &wg, "validator", func(context.Context) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, 5, count)
}

func TestGetNameWithoutName(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.Equal(t, "", GetName(nil)) //nolint:staticcheck // nil context is handled
}
