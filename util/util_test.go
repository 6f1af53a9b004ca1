package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/emccd/util"
)

func ExampleParseDuration() {
	d, _ := util.ParseDuration("1.5")
	fmt.Println(d)
	d, _ = util.ParseDuration("25ms")
	fmt.Println(d)
	// Output:
	// 1.5s
	// 25ms
}

func TestAllElementsNumbers(t *testing.T) {
	for s, expected := range map[string]bool{"123": true, "0.25": true, "": false, "10ms": false, "-1": false} {
		if out := util.AllElementsNumbers(s); out != expected {
			t.Errorf("AllElementsNumbers(%q) expected %v got %v", s, expected, out)
		}
	}
}

func TestParseDurationRejectsGarbage(t *testing.T) {
	_, err := util.ParseDuration("soon")
	if err == nil {
		t.Error("expected an error parsing a non-duration")
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}
