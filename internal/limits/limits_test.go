package limits

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRateLimiterPerIP(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "third attempt exceeds the per-IP burst")
	assert.True(t, l.Allow("10.0.0.2"), "other addresses keep their own bucket")
	assert.Equal(t, 2, l.TrackedIPs())
}

func TestConnectionRateLimiterGlobal(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     10,
		IPRate:      10,
		GlobalBurst: 3,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	for i := range 3 {
		assert.True(t, l.Allow("10.0.0."+strconv.Itoa(i+1)))
	}
	assert.False(t, l.Allow("10.0.0.9"))
	assert.Equal(t, 3, l.TrackedIPs(), "globally rejected attempts allocate no IP bucket")
}

func TestConnectionRateLimiterEvictsIdle(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPTTL:  time.Minute,
		Logger: zerolog.Nop(),
	})
	defer l.Stop()

	base := time.Now()
	l.now = func() time.Time { return base }
	l.Allow("10.0.0.1")

	l.now = func() time.Time { return base.Add(30 * time.Second) }
	l.Allow("10.0.0.2")

	l.now = func() time.Time { return base.Add(90 * time.Second) }
	assert.Equal(t, 1, l.evictIdle())
	assert.Equal(t, 1, l.TrackedIPs())
}

func TestConnectionRateLimiterStopTwice(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{Logger: zerolog.Nop()})
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

type stubSampler struct {
	mu    sync.Mutex
	usage Usage
	err   error
}

func (s *stubSampler) Sample() (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.err
}

func (s *stubSampler) set(u Usage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage, s.err = u, err
}

func TestResourceGuardAdmission(t *testing.T) {
	config := ResourceGuardConfig{
		MaxConnections:     10,
		CPURejectThreshold: 80,
		MemoryLimit:        1 << 30,
		MaxGoroutines:      1000,
		Logger:             zerolog.Nop(),
	}

	tests := []struct {
		name   string
		usage  Usage
		conns  int64
		accept bool
	}{
		{"healthy", Usage{CPUPercent: 10, RSSBytes: 1 << 20, Goroutines: 50}, 3, true},
		{"at max connections", Usage{}, 10, false},
		{"cpu overload", Usage{CPUPercent: 95}, 0, false},
		{"memory limit", Usage{RSSBytes: 2 << 30}, 0, false},
		{"goroutine limit", Usage{Goroutines: 1001}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rg := NewResourceGuard(config, &stubSampler{usage: tt.usage})
			rg.UpdateResources()

			accept, reason := rg.ShouldAcceptConnection(tt.conns)
			assert.Equal(t, tt.accept, accept, reason)
		})
	}
}

func TestResourceGuardZeroLimitsDisableChecks(t *testing.T) {
	rg := NewResourceGuard(ResourceGuardConfig{Logger: zerolog.Nop()},
		&stubSampler{usage: Usage{CPUPercent: 100, RSSBytes: 1 << 40, Goroutines: 1 << 20}})
	rg.UpdateResources()

	accept, _ := rg.ShouldAcceptConnection(1 << 20)
	assert.True(t, accept)
}

func TestResourceGuardKeepsLastSampleOnError(t *testing.T) {
	sampler := &stubSampler{usage: Usage{CPUPercent: 95}}
	rg := NewResourceGuard(ResourceGuardConfig{CPURejectThreshold: 80, Logger: zerolog.Nop()}, sampler)
	rg.UpdateResources()

	sampler.set(Usage{}, errors.New("proc unavailable"))
	usage := rg.UpdateResources()
	assert.InDelta(t, 95.0, usage.CPUPercent, 0.001)

	accept, _ := rg.ShouldAcceptConnection(0)
	assert.False(t, accept)
}

func TestResourceGuardMonitoring(t *testing.T) {
	sampler := &stubSampler{}
	rg := NewResourceGuard(ResourceGuardConfig{CPURejectThreshold: 80, Logger: zerolog.Nop()}, sampler)

	rg.StartMonitoring(t.Context(), 10*time.Millisecond)
	accept, _ := rg.ShouldAcceptConnection(0)
	require.True(t, accept)

	sampler.set(Usage{CPUPercent: 99}, nil)
	assert.Eventually(t, func() bool {
		accept, _ := rg.ShouldAcceptConnection(0)
		return !accept
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 99.0, rg.Stats()["cpu_percent"])
}

func TestProcessSampler(t *testing.T) {
	usage, err := NewProcessSampler().Sample()
	require.NoError(t, err)
	assert.Positive(t, usage.RSSBytes)
	assert.Positive(t, usage.Goroutines)
}
