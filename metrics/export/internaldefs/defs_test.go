package internaldefs

import (
	"strings"
	"testing"

	"github.com/MrEthical07/authflow"
)

func TestDefsCoverEveryMetricOnce(t *testing.T) {
	seenID := map[authflow.MetricID]bool{}
	seenName := map[string]bool{}
	for _, d := range CounterDefs {
		if seenID[d.ID] || seenName[d.Name] {
			t.Fatalf("duplicate counter definition %s", d.Name)
		}
		if !strings.HasPrefix(d.Name, "authflow_") || !strings.HasSuffix(d.Name, "_total") {
			t.Fatalf("counter %q does not follow naming", d.Name)
		}
		seenID[d.ID] = true
		seenName[d.Name] = true
	}
	for _, d := range HistogramDefs {
		if seenID[d.ID] {
			t.Fatalf("histogram %s reuses a counter id", d.Name)
		}
		seenID[d.ID] = true
	}
	// Latency is the last id.
	if want := int(authflow.MetricAuthenticateLatency) + 1; len(seenID) != want {
		t.Fatalf("expected %d definitions, got %d", want, len(seenID))
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBucketLabel(t *testing.T) {
	want := []string{"0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "+Inf"}
	if len(want) != len(NormalizeBuckets(nil)) {
		t.Fatalf("label table does not cover every engine bucket")
	}
	for i, w := range want {
		if got := BucketLabel(i); got != w {
			t.Fatalf("BucketLabel(%d) = %q, want %q", i, got, w)
		}
	}
}
