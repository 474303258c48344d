package httpx

import (
	"testing"
	"time"
)

func TestMemoryLimiterBlocksAtLimit(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d blocked under the limit", i+1)
		}
	}
	if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); d.allowed {
		t.Fatal("fourth request allowed past a limit of 3")
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	if d := rl.Allow("ip:1.2.3.4", 1, time.Minute); !d.allowed {
		t.Fatal("first key blocked")
	}
	if d := rl.Allow("ip:5.6.7.8", 1, time.Minute); !d.allowed {
		t.Fatal("second key shares the first key's budget")
	}
}

func TestMemoryLimiterWindowExpires(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	if d := rl.Allow("ip:1.2.3.4", 1, 10*time.Millisecond); !d.allowed {
		t.Fatal("first request blocked")
	}
	if d := rl.Allow("ip:1.2.3.4", 1, 10*time.Millisecond); d.allowed {
		t.Fatal("second request allowed within the window")
	}
	time.Sleep(20 * time.Millisecond)
	if d := rl.Allow("ip:1.2.3.4", 1, 10*time.Millisecond); !d.allowed {
		t.Fatal("request blocked after the window expired")
	}
}

func TestMemoryLimiterZeroLimitMeansUnlimited(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 100; i++ {
		if d := rl.Allow("ip:1.2.3.4", 0, time.Minute); !d.allowed {
			t.Fatal("zero limit should disable limiting")
		}
	}
}

func TestMemoryLimiterCleanupDropsExpiredEntries(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()

	rl.Allow("ip:1.2.3.4", 5, 10*time.Millisecond)
	rl.cleanup(time.Now().Add(time.Second))

	rl.mu.Lock()
	remaining := len(rl.entries)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Errorf("entries after cleanup = %d, want 0", remaining)
	}
}
