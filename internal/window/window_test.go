package window_test

import (
	"testing"
	"time"

	"pledgeline/internal/domain"
	"pledgeline/internal/window"
)

func TestCurrentDaily(t *testing.T) {
	ref := time.Date(2024, 3, 14, 15, 30, 0, 0, time.UTC)
	w, err := window.Current(domain.CadenceDaily, ref, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if !w.Start.Equal(time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start %v", w.Start)
	}
	if !w.End.Equal(time.Date(2024, 3, 14, 23, 59, 59, int(999*time.Millisecond), time.UTC)) {
		t.Fatalf("end %v", w.End)
	}
}

func TestCurrentWeeklyStartsMonday(t *testing.T) {
	cases := []time.Time{
		time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),  // Monday
		time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC),  // Thursday
		time.Date(2024, 3, 17, 23, 0, 0, 0, time.UTC), // Sunday
	}
	for _, ref := range cases {
		w, err := window.Current(domain.CadenceWeekly, ref, time.UTC)
		if err != nil {
			t.Fatal(err)
		}
		if !w.Start.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("ref %v: start %v", ref, w.Start)
		}
		if w.End.Weekday() != time.Sunday || w.End.Day() != 17 {
			t.Fatalf("ref %v: end %v", ref, w.End)
		}
	}
}

func TestCurrentUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	// 20:00 UTC on the 14th is already the 15th in UTC+10.
	ref := time.Date(2024, 3, 14, 20, 0, 0, 0, time.UTC)
	w, err := window.Current(domain.CadenceDaily, ref, loc)
	if err != nil {
		t.Fatal(err)
	}
	if w.Start.Day() != 15 || w.Start.Location() != loc {
		t.Fatalf("start %v", w.Start)
	}
}

func TestElapsed(t *testing.T) {
	start := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		cadence domain.Cadence
		now     time.Time
		want    int
	}{
		{"before start", domain.CadenceDaily, start.Add(-time.Hour), 0},
		{"inside first day", domain.CadenceDaily, start.Add(23 * time.Hour), 0},
		{"exactly one day", domain.CadenceDaily, start.AddDate(0, 0, 1), 1},
		{"three and a half days", domain.CadenceDaily, start.AddDate(0, 0, 3).Add(12 * time.Hour), 3},
		{"inside first week", domain.CadenceWeekly, start.AddDate(0, 0, 6), 0},
		{"two weeks", domain.CadenceWeekly, start.AddDate(0, 0, 15), 2},
	}
	for _, tc := range cases {
		got, err := window.Elapsed(tc.cadence, start, tc.now)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestElapsedAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Spring forward on 2024-03-10: that day is 23 hours long.
	start := time.Date(2024, 3, 10, 0, 0, 0, 0, loc)
	now := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	got, err := window.Elapsed(domain.CadenceDaily, start, now)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Fatalf("got %d want 1", got)
	}
}

func TestAdvance(t *testing.T) {
	start := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	w, err := window.Advance(domain.CadenceWeekly, start, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !w.Start.Equal(time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start %v", w.Start)
	}
	if !w.End.Equal(time.Date(2024, 3, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC)) {
		t.Fatalf("end %v", w.End)
	}
}

func TestNextOnOrAfterSnapsToGrid(t *testing.T) {
	cases := []struct {
		cadence domain.Cadence
		t       time.Time
		want    time.Time
	}{
		{domain.CadenceWeekly, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)},
		{domain.CadenceWeekly, time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)},
		{domain.CadenceDaily, time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{domain.CadenceDaily, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		w, err := window.NextOnOrAfter(tc.cadence, tc.t, time.UTC)
		if err != nil {
			t.Fatal(err)
		}
		if !w.Start.Equal(tc.want) {
			t.Fatalf("%s from %v: got %v want %v", tc.cadence, tc.t, w.Start, tc.want)
		}
	}
}

func TestInvalidCadence(t *testing.T) {
	if _, err := window.Current(domain.Cadence("monthly"), time.Now(), time.UTC); err == nil {
		t.Fatal("expected error")
	}
}
