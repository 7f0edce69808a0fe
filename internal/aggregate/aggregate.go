// Package aggregate computes windowed dashboard statistics over the capped
// record set returned by the log store.
package aggregate

import (
	"context"
	"sort"
	"strings"

	"github.com/sitepulse/sitepulse/internal/model"
	"github.com/sitepulse/sitepulse/internal/store"
)

// RecentErrorLimit caps the flattened recent-error list. TotalErrors reports
// the capped size, not the true error count; the dashboard depends on that.
const RecentErrorLimit = 50

type Engine struct {
	logs store.LogStore
}

func NewEngine(logs store.LogStore) *Engine {
	return &Engine{logs: logs}
}

// Snapshot aggregates the tenant's most recent matching records into the
// dashboard view. An empty result set yields zeros, not an error.
func (e *Engine) Snapshot(ctx context.Context, tenantID string, filter model.Filter) (model.DashboardSnapshot, error) {
	records, err := e.logs.Query(ctx, tenantID, filter)
	if err != nil {
		return model.DashboardSnapshot{}, err
	}

	snapshot := model.DashboardSnapshot{
		Performance:  averagePerformance(records),
		ErrorCounts:  countErrorTypes(records),
		RecentErrors: recentErrors(records),
		TotalLogs:    len(records),
	}
	snapshot.TotalErrors = len(snapshot.RecentErrors)
	return snapshot, nil
}

// averagePerformance sums present metric values and divides every field by
// the count of records that had any performance data at all. The shared
// denominator means a field absent on one record dilutes that field's
// average rather than shrinking its sample.
func averagePerformance(records []model.EventRecord) model.PerformanceAverages {
	var sums model.PerformanceAverages
	count := 0

	add := func(total *float64, v *float64) {
		if v != nil {
			*total += *v
		}
	}

	for _, r := range records {
		if r.Performance == nil {
			continue
		}
		count++
		add(&sums.LoadTime, r.Performance.LoadTime)
		add(&sums.FirstContentfulPaint, r.Performance.FirstContentfulPaint)
		add(&sums.LargestContentfulPaint, r.Performance.LargestContentfulPaint)
		add(&sums.FirstInputDelay, r.Performance.FirstInputDelay)
		add(&sums.TimeToFirstByte, r.Performance.TimeToFirstByte)
		add(&sums.DOMContentLoaded, r.Performance.DOMContentLoaded)
	}

	if count == 0 {
		return model.PerformanceAverages{}
	}

	n := float64(count)
	return model.PerformanceAverages{
		LoadTime:               sums.LoadTime / n,
		FirstContentfulPaint:   sums.FirstContentfulPaint / n,
		LargestContentfulPaint: sums.LargestContentfulPaint / n,
		FirstInputDelay:        sums.FirstInputDelay / n,
		TimeToFirstByte:        sums.TimeToFirstByte / n,
		DOMContentLoaded:       sums.DOMContentLoaded / n,
	}
}

// countErrorTypes builds the histogram keyed by the message prefix before the
// first colon, or the whole message when there is none.
func countErrorTypes(records []model.EventRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		for _, entry := range r.ErrorEntries {
			errorType, _, _ := strings.Cut(entry.Message, ":")
			counts[errorType]++
		}
	}
	return counts
}

// recentErrors flattens every error entry with its parent record's page URL,
// newest entry first, capped at RecentErrorLimit.
func recentErrors(records []model.EventRecord) []model.RecentError {
	var flattened []model.RecentError
	for _, r := range records {
		for _, entry := range r.ErrorEntries {
			flattened = append(flattened, model.RecentError{
				ErrorEntry: entry,
				PageURL:    r.PageURL,
			})
		}
	}

	sort.SliceStable(flattened, func(i, j int) bool {
		return flattened[i].Timestamp.After(flattened[j].Timestamp)
	})

	if len(flattened) > RecentErrorLimit {
		flattened = flattened[:RecentErrorLimit]
	}
	return flattened
}
