package status

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"hermesgw/logger"
)

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "hermes stream ended"
	entry.Data = logrus.Fields{"component": "hermes_connector", "error": errors.New("eof")}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("fire: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 record, got %d", len(snapshot))
	}
	if snapshot[0].Component != "hermes_connector" || snapshot[0].Fields["error"] != "eof" {
		t.Fatalf("unexpected record %#v", snapshot[0])
	}
}

func TestLogStoreLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = logrus.InfoLevel
		entry.Message = "msg"
		entry.Data = logrus.Fields{"index": i}
		store.Fire(entry)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 || snapshot[0].Fields["index"] != 2 || snapshot[1].Fields["index"] != 3 {
		t.Fatalf("unexpected retained records %#v", snapshot)
	}

	store.close()
	store.Fire(logrus.NewEntry(logrus.New()))
	if len(store.snapshot()) != 2 {
		t.Fatal("closed store kept recording")
	}
}

func TestLogStoreSkipsDebug(t *testing.T) {
	for _, lvl := range newLogStore(1).Levels() {
		if lvl == logrus.DebugLevel || lvl == logrus.TraceLevel {
			t.Fatalf("store should not receive %s entries", lvl)
		}
	}
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	originalCPU, originalMem, originalProc := cpuPercentFn, memoryStatsFn, processStatsFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, processStatsFn = originalCPU, originalMem, originalProc
	})

	calls := atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		return []float64{12.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 40}, nil
	}
	processStatsFn = func(ctx context.Context) (uint64, int32, error) {
		return 2048, 7, nil
	}

	sampler := newResourceSampler(3, time.Millisecond, logger.Logger())
	sampler.start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	sampler.stop()

	snapshot := sampler.snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 retained samples, got %d", len(snapshot))
	}
	last := snapshot[len(snapshot)-1]
	if last.CPUPercent != 12.5 || last.MemoryPct != 40 || last.ProcessRSS != 2048 || last.ProcessThreads != 7 {
		t.Fatalf("unexpected sample %#v", last)
	}
}

func TestLogStoreSnapshotOrderAfterWrap(t *testing.T) {
	store := newLogStore(3)
	for i := 0; i < 5; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Data = logrus.Fields{"index": i}
		store.Fire(entry)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 records, got %d", len(snapshot))
	}
	for i, rec := range snapshot {
		if rec.Fields["index"] != i+2 {
			t.Fatalf("record %d: expected index %d, got %v", i, i+2, rec.Fields["index"])
		}
	}
}
