package measure

import (
	"math"
	"testing"
	"time"
)

func TestRecord_RedoxOrNaN(t *testing.T) {
	valid := Record{Redox: -120.5, Valid: true}
	if got := valid.RedoxOrNaN(); got != -120.5 {
		t.Errorf("RedoxOrNaN = %v, want -120.5", got)
	}

	missing := Record{Redox: 0, Valid: false}
	if got := missing.RedoxOrNaN(); !math.IsNaN(got) {
		t.Errorf("RedoxOrNaN = %v, want NaN for missing value", got)
	}
}

func TestStampSite(t *testing.T) {
	in := []Record{
		{TimestampMs: 1, Site: ""},
		{TimestampMs: 2, Site: "OTHER"},
	}

	out := StampSite(in, "S1")

	if out[0].Site != "S1" {
		t.Errorf("out[0].Site = %q, want %q", out[0].Site, "S1")
	}
	if out[1].Site != "OTHER" {
		t.Errorf("out[1].Site = %q, want %q (existing site kept)", out[1].Site, "OTHER")
	}
	if in[0].Site != "" {
		t.Error("StampSite must not mutate its input")
	}
}

func TestSortByTime_Stable(t *testing.T) {
	rs := []Record{
		{TimestampMs: 3, Site: "a"},
		{TimestampMs: 1, Site: "b"},
		{TimestampMs: 3, Site: "c"},
		{TimestampMs: 2, Site: "d"},
	}

	SortByTime(rs)

	wantOrder := []string{"b", "d", "a", "c"}
	for i, want := range wantOrder {
		if rs[i].Site != want {
			t.Errorf("rs[%d].Site = %q, want %q", i, rs[i].Site, want)
		}
	}
}

func TestFilterWindow(t *testing.T) {
	start := time.UnixMilli(100)
	end := time.UnixMilli(200)

	rs := []Record{
		{TimestampMs: 99},
		{TimestampMs: 100},
		{TimestampMs: 150},
		{TimestampMs: 200},
		{TimestampMs: 201},
	}

	out := FilterWindow(rs, start, end)

	if len(out) != 3 {
		t.Fatalf("len = %d, want 3 (bounds inclusive)", len(out))
	}
	if out[0].TimestampMs != 100 || out[2].TimestampMs != 200 {
		t.Errorf("bounds = %d..%d, want 100..200", out[0].TimestampMs, out[2].TimestampMs)
	}
}
