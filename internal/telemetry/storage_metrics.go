package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics holds all the metric instruments for the page-allocation core.
type StorageMetrics struct {
	PagesAllocatedCounter metric.Int64Counter
	PagesReusedCounter    metric.Int64Counter
	PagesReleasedCounter  metric.Int64Counter
	RowsInsertedCounter   metric.Int64Counter
	RowsRemovedCounter    metric.Int64Counter
	TrackedPagesUpDown    metric.Int64UpDownCounter
}

// NewStorageMetrics creates and registers all the metrics for the storage core.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	pagesAllocated, err := meter.Int64Counter(
		"cachegrid.storage.pages_allocated_total",
		metric.WithDescription("Total number of pages allocated from the page memory substrate."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesReused, err := meter.Int64Counter(
		"cachegrid.storage.pages_reused_total",
		metric.WithDescription("Total number of pages served from the reuse list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesReleased, err := meter.Int64Counter(
		"cachegrid.storage.pages_released_total",
		metric.WithDescription("Total number of emptied pages handed back to the reuse list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rowsInserted, err := meter.Int64Counter(
		"cachegrid.storage.rows_inserted_total",
		metric.WithDescription("Total number of rows written through the free list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rowsRemoved, err := meter.Int64Counter(
		"cachegrid.storage.rows_removed_total",
		metric.WithDescription("Total number of rows removed through the free list."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	trackedPages, err := meter.Int64UpDownCounter(
		"cachegrid.storage.free_list_tracked_pages",
		metric.WithDescription("Number of partially filled pages tracked by free list buckets."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		PagesAllocatedCounter: pagesAllocated,
		PagesReusedCounter:    pagesReused,
		PagesReleasedCounter:  pagesReleased,
		RowsInsertedCounter:   rowsInserted,
		RowsRemovedCounter:    rowsRemoved,
		TrackedPagesUpDown:    trackedPages,
	}, nil
}
