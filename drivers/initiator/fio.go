package initiator

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// clat lines look like "clat (usec): min=120, max=6939.4k, avg=..."
var clatMaxRegex = regexp.MustCompile(`clat \((nsec|usec|msec)\): min=[^,]+, max=([0-9]+(?:\.[0-9]+)?)([a-zA-Z]*)[,\s]`)

var clatUnits = map[string]time.Duration{
	"nsec": time.Nanosecond,
	"usec": time.Microsecond,
	"msec": time.Millisecond,
}

var clatSuffixes = map[string]float64{
	"":  1,
	"k": 1e3,
	"K": 1e3,
	"M": 1e6,
	"G": 1e9,
}

// MaxCompletionLatency returns the largest completion latency max reported in
// the fio outputs. During a failover it bounds how long I/O was stuck.
func MaxCompletionLatency(outputs ...string) (time.Duration, error) {
	var max time.Duration
	found := false
	for _, out := range outputs {
		for _, m := range clatMaxRegex.FindAllStringSubmatch(out, -1) {
			d, err := clatToDuration(m[1], m[2], m[3])
			if err != nil {
				return 0, err
			}
			found = true
			if d > max {
				max = d
			}
		}
	}
	if !found {
		return 0, fmt.Errorf("no completion latency found in fio output")
	}
	return max, nil
}

func clatToDuration(unit, value, suffix string) (time.Duration, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	mult, ok := clatSuffixes[strings.TrimSpace(suffix)]
	if !ok {
		return 0, fmt.Errorf("unknown clat suffix %q", suffix)
	}
	return time.Duration(math.Round(v * mult * float64(clatUnits[unit]))), nil
}
