package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"hermesgw/logger"
)

// StartReport logs a runtime report every interval until ctx is cancelled and
// publishes the gateway metrics to CloudWatch when it is configured.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, service string) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, service)
			}
		}
	}()
}

func logReport(ctx context.Context, log *logger.Log, service string) {
	values, err := Snapshot()
	if err != nil {
		log.WithComponent("report").WithError(err).Warn("failed to gather metrics")
		return
	}

	values["goroutines"] = float64(runtime.NumGoroutine())
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		values["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		values["memory_used_mb"] = float64(vm.Used) / 1024 / 1024
	}

	var warns, errs int64
	for _, c := range logger.Counts() {
		warns += c.Warns
		errs += c.Errors
	}
	values["log_warnings_total"] = float64(warns)
	values["log_errors_total"] = float64(errs)

	fields := make(logger.Fields, len(values))
	for k, v := range values {
		fields[k] = v
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	publishSnapshot(ctx, values, map[string]string{"service": service})
}
