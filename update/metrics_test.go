package update

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distribution/bundleupdate/fetch"
)

func TestMetricsSinkForwardsToInner(t *testing.T) {
	var got []EventKind
	sink := MetricsSink(func(ev Event) { got = append(got, ev.Kind) })

	sink(Event{Kind: KindChecking})
	sink(Event{Kind: KindDownloading, Progress: fetch.Progress{BytesDownloaded: 100, TotalBytes: 1000, CurrentPath: "f.bin"}})
	sink(Event{Kind: KindUpToDate})

	require.Equal(t, []EventKind{KindChecking, KindDownloading, KindUpToDate}, got)
}

func TestMetricsSinkToleratesNilInner(t *testing.T) {
	sink := MetricsSink(nil)
	require.NotPanics(t, func() {
		sink(Event{Kind: KindBackingOff})
		sink(Event{Kind: KindError})
	})
}
