package metrics

import (
	"context"
	"math/big"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/taskhive-ai/taskhive-engine/internal/engine/lifecycle"
	"github.com/taskhive-ai/taskhive-engine/internal/engine/treasury"
	"github.com/taskhive-ai/taskhive-engine/pkg/eventbus"
	"github.com/taskhive-ai/taskhive-engine/pkg/types"
)

// StartSystemMetricsCollection starts collecting system metrics until the
// context is cancelled.
func StartSystemMetricsCollection(ctx context.Context) {
	// Update uptime every 15 seconds
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				UptimeSeconds.Set(time.Since(startTime).Seconds())
			}
		}
	}()

	// Update memory, CPU and goroutine counts every 5 seconds
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if vmStat, err := mem.VirtualMemory(); err == nil {
					MemoryUsageBytes.Set(float64(vmStat.Used))
				}
				if cpuPercent, err := cpu.Percent(time.Second, false); err == nil && len(cpuPercent) > 0 {
					CPUUsagePercent.Set(cpuPercent[0])
				}
				GoroutinesActive.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}

// ObserveEngine wires the domain gauges and counters to the engine's
// notification bus and refreshes the registry gauges periodically.
func ObserveEngine(ctx context.Context, bus *eventbus.Bus, tr *treasury.Treasury, mgr *lifecycle.Manager) {
	bus.Subscribe(eventbus.EconomicsUpdated, func(eventbus.Notification) {
		RefreshTreasury(tr)
	})
	bus.Subscribe(eventbus.VerificationCompleted, func(n eventbus.Notification) {
		result, ok := n.Data.(*types.VerificationResult)
		if !ok {
			return
		}
		if result.Approved {
			VerificationsTotal.WithLabelValues("approved").Inc()
		} else {
			VerificationsTotal.WithLabelValues("rejected").Inc()
		}
	})

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				RefreshRegistry(mgr)
				RefreshTreasury(tr)
			}
		}
	}()
}

// RefreshTreasury updates the economics gauges from the treasury aggregates.
func RefreshTreasury(tr *treasury.Treasury) {
	TreasuryCostWei.Set(weiToFloat(tr.TotalCost()))
	TreasuryRevenueWei.Set(weiToFloat(tr.TotalRevenue()))
	SustainabilityRatio.Set(tr.SustainabilityRatio())
}

// RefreshRegistry recounts jobs and tasks by status.
func RefreshRegistry(mgr *lifecycle.Manager) {
	jobCounts := make(map[types.JobStatus]int)
	taskCounts := make(map[types.TaskStatus]int)
	for _, job := range mgr.Jobs() {
		jobCounts[job.Status]++
		for _, task := range mgr.JobTasks(job.ID) {
			taskCounts[task.Status]++
		}
	}

	JobsTracked.Reset()
	for status, n := range jobCounts {
		JobsTracked.WithLabelValues(status.String()).Set(float64(n))
	}
	TasksTracked.Reset()
	for status, n := range taskCounts {
		TasksTracked.WithLabelValues(status.String()).Set(float64(n))
	}
}

func weiToFloat(amount *big.Int) float64 {
	f, _ := new(big.Float).SetInt(amount).Float64()
	return f
}
