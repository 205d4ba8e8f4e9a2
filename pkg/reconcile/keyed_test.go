package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var mu sync.Mutex
	active := map[string]int{}
	peak := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := []string{"t1", "t2"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			mu.Lock()
			active[key]++
			peak[key] = max(peak[key], active[key])
			mu.Unlock()

			mu.Lock()
			active[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak["t1"])
	assert.Equal(t, 1, peak["t2"])
	assert.Zero(t, k.size(), "unused keys are dropped")
}

func TestWindowValidate(t *testing.T) {
	tests := []struct {
		w       Window
		wantErr bool
	}{
		{w: Window{Since: "2024-01-01", Until: "2024-01-31"}},
		{w: Window{Since: "2024-01-31", Until: "2024-01-31"}},
		{w: Window{Since: "2024-02-01", Until: "2024-01-31"}, wantErr: true},
		{w: Window{Since: "2024-1-1", Until: "2024-01-31"}, wantErr: true},
		{w: Window{}, wantErr: true},
	}
	for _, tt := range tests {
		err := tt.w.Validate()
		if tt.wantErr {
			assert.Error(t, err, tt.w.String())
		} else {
			assert.NoError(t, err, tt.w.String())
		}
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{Since: "2024-01-01", Until: "2024-01-31"}

	assert.True(t, w.Contains("2024-01-01"))
	assert.True(t, w.Contains("2024-01-31"))
	assert.False(t, w.Contains("2023-12-31"))
	assert.False(t, w.Contains("2024-02-02"))
}
