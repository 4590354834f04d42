package redislog

import (
	"testing"

	"github.com/google/uuid"

	"github.com/relaykit/relayd/eventlog"
	"github.com/relaykit/relayd/eventlog/logtest"
)

func TestRedisLogConformance(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis.
	probe, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis event log tests: %v", err)
		return
	}
	_ = probe.Close()

	logtest.RunLogTests(t, func(t *testing.T) eventlog.Log {
		l, err := New(Config{
			// Unique prefix per test so suites don't see each other's streams.
			KeyPrefix: "relayd:test:events:" + uuid.NewString() + ":",
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}
