// Package schedule runs library syncs periodically.
package schedule

import (
	"github.com/sloonz/ushelf/engine"
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/metrics"

	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var scheduleLog = logrus.WithFields(logrus.Fields{"component": "schedule"})

// A library to sync in one direction
type Job struct {
	Engine    *engine.Engine
	Direction ushelf.Direction
}

func (j Job) library() string {
	return j.Engine.Library.ID
}

type Runner struct {
	Name     string
	Jobs     []Job
	Interval time.Duration

	// Called after every run, from the goroutine of the library
	OnReport func(*engine.Report)
}

func New(jobs []Job, interval time.Duration) *Runner {
	return &Runner{Name: "scheduler", Jobs: jobs, Interval: interval}
}

// Part of suture.Service interface
func (r *Runner) String() string {
	return r.Name
}

// Run every job once. Libraries run in parallel; jobs of the same library
// run in their configuration order. A failed run is not retried before the
// next tick.
func (r *Runner) Tick(ctx context.Context) []*engine.Report {
	var order []string
	byLibrary := make(map[string][]Job)
	for _, job := range r.Jobs {
		id := job.library()
		if _, ok := byLibrary[id]; !ok {
			order = append(order, id)
		}
		byLibrary[id] = append(byLibrary[id], job)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make(map[string][]*engine.Report)
	for _, id := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var reports []*engine.Report
			for _, job := range byLibrary[id] {
				if ctx.Err() != nil {
					break
				}
				report := job.Engine.Run(ctx, job.Direction)
				Observe(report)
				if r.OnReport != nil {
					r.OnReport(report)
				}
				reports = append(reports, report)
			}
			mu.Lock()
			results[id] = reports
			mu.Unlock()
		}()
	}
	wg.Wait()

	var reports []*engine.Report
	for _, id := range order {
		reports = append(reports, results[id]...)
	}
	return reports
}

// Part of suture.Service interface. Ticks immediately, then every Interval
// until ctx is cancelled.
func (r *Runner) Serve(ctx context.Context) error {
	if r.Interval <= 0 {
		return fmt.Errorf("invalid schedule interval: %v", r.Interval)
	}
	scheduleLog.WithFields(logrus.Fields{"jobs": len(r.Jobs), "interval": r.Interval}).Info("scheduler started")

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			scheduleLog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Log a run report and export it as metrics
func Observe(report *engine.Report) {
	log := scheduleLog.WithFields(logrus.Fields{
		"library":   report.Library,
		"direction": report.Direction,
		"status":    report.Status,
		"duration":  report.Duration().Round(time.Millisecond),
	})
	if report.Manifest != nil {
		log = log.WithFields(logrus.Fields{"manifest": *report.Manifest})
	}

	if ushelf.IsLockContention(report.Err) && !ushelf.IsStaleLock(report.Err) {
		log.Infof("skipped: %v", report.Err)
		return
	}

	direction := string(report.Direction)
	metrics.RunsTotal.WithLabelValues(report.Library, direction, string(report.Status)).Inc()
	metrics.RunDuration.WithLabelValues(direction).Observe(report.Duration().Seconds())
	metrics.ConsecutiveFailures.WithLabelValues(report.Library).Set(float64(report.ConsecutiveFailures))
	alert := 0.0
	if report.Alert {
		alert = 1
	}
	metrics.LibraryAlert.WithLabelValues(report.Library).Set(alert)

	switch report.Direction {
	case ushelf.DirectionBackup:
		metrics.ChunksUploaded.WithLabelValues(report.Library).Add(float64(report.Uploaded))
		metrics.BytesUploaded.WithLabelValues(report.Library).Add(float64(report.UploadedBytes))
	case ushelf.DirectionRestore:
		metrics.FilesRestored.WithLabelValues(report.Library).Add(float64(report.Restored))
	}

	switch report.Status {
	case ushelf.StatusSuccess:
		log.Infof("%v", report.Changes)
	case ushelf.StatusCompletedWithErrors:
		for _, err := range report.FileErrors {
			log.Warn(err)
		}
		log.Warnf("completed with %d errors", len(report.FileErrors))
	default:
		log.WithFields(logrus.Fields{"failures": report.ConsecutiveFailures}).Errorf("failed: %v", report.Err)
	}
}
