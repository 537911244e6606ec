package partition

import (
	"errors"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPlan_QuarterWith27Days(t *testing.T) {
	parts, err := Plan(date(2024, 1, 1), date(2024, 3, 15), 27)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	want := []struct{ start, end time.Time }{
		{date(2024, 1, 1), date(2024, 1, 27)},
		{date(2024, 1, 28), date(2024, 2, 23)},
		{date(2024, 2, 24), date(2024, 3, 15)},
	}

	if len(parts) != len(want) {
		t.Fatalf("len(parts) = %d, want %d", len(parts), len(want))
	}
	for i, w := range want {
		if !parts[i].Start.Equal(w.start) || !parts[i].End.Equal(w.end) {
			t.Errorf("parts[%d] = %s, want %s–%s", i, parts[i].Format(DateLayout),
				w.start.Format(DateLayout), w.end.Format(DateLayout))
		}
		if parts[i].Index != i {
			t.Errorf("parts[%d].Index = %d", i, parts[i].Index)
		}
	}
	if got := parts[2].Days(); got != 21 {
		t.Errorf("last partition Days() = %d, want 21", got)
	}
}

func TestPlan_CoversRangeWithoutGaps(t *testing.T) {
	tests := []struct {
		name    string
		start   time.Time
		end     time.Time
		maxDays int
	}{
		{"single day", date(2024, 5, 5), date(2024, 5, 5), 30},
		{"exact multiple", date(2024, 1, 1), date(2024, 1, 20), 10},
		{"one day width", date(2023, 12, 30), date(2024, 1, 3), 1},
		{"leap february", date(2024, 2, 1), date(2024, 3, 31), 31},
		{"full year", date(2023, 1, 1), date(2023, 12, 31), 27},
		{"wider than range", date(2024, 6, 1), date(2024, 6, 10), 365},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := Plan(tt.start, tt.end, tt.maxDays)
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if len(parts) == 0 {
				t.Fatal("Plan() returned no partitions")
			}
			if !parts[0].Start.Equal(tt.start) {
				t.Errorf("first start = %v, want %v", parts[0].Start, tt.start)
			}
			if !parts[len(parts)-1].End.Equal(tt.end) {
				t.Errorf("last end = %v, want %v", parts[len(parts)-1].End, tt.end)
			}
			for i, p := range parts {
				if p.Days() > tt.maxDays {
					t.Errorf("parts[%d].Days() = %d exceeds %d", i, p.Days(), tt.maxDays)
				}
				if i < len(parts)-1 && p.Days() != tt.maxDays {
					t.Errorf("non-final parts[%d].Days() = %d, want %d", i, p.Days(), tt.maxDays)
				}
				if i > 0 && !parts[i-1].End.AddDate(0, 0, 1).Equal(p.Start) {
					t.Errorf("gap or overlap between parts[%d] and parts[%d]", i-1, i)
				}
			}
			if got, want := TotalDays(parts), daysBetween(tt.start, tt.end)+1; got != want {
				t.Errorf("TotalDays() = %d, want %d", got, want)
			}
		})
	}
}

func TestPlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		start   time.Time
		end     time.Time
		maxDays int
		wantErr error
	}{
		{"start after end", date(2024, 2, 1), date(2024, 1, 1), 27, ErrInvalidRange},
		{"zero width", date(2024, 1, 1), date(2024, 2, 1), 0, ErrInvalidMaxDays},
		{"negative width", date(2024, 1, 1), date(2024, 2, 1), -3, ErrInvalidMaxDays},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.start, tt.end, tt.maxDays)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Plan() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlan_IgnoresTimeOfDay(t *testing.T) {
	start := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)

	parts, err := Plan(start, end, 5)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(parts) != 1 || parts[0].Days() != 1 {
		t.Errorf("Plan() = %v, want one single-day partition", parts)
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"15/03/2024", date(2024, 3, 15), false},
		{"2024-03-15", date(2024, 3, 15), false},
		{"03/15/2024", time.Time{}, true},
		{"", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if y, m, d := got.Date(); y != tt.want.Year() || m != tt.want.Month() || d != tt.want.Day() {
				t.Errorf("ParseDate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
