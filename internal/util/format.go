// Package util provides utility functions for formatting and common operations.
package util

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// GstSecond is one second in GStreamer clock time (nanoseconds).
const GstSecond int64 = 1000000000

// FormatBytes formats bytes with appropriate binary units (B, KiB, MiB, GiB).
func FormatBytes(bytes uint64) string {
	bf := float64(bytes)
	switch {
	case bf >= GiB:
		return fmt.Sprintf("%.2f GiB", bf/GiB)
	case bf >= MiB:
		return fmt.Sprintf("%.2f MiB", bf/MiB)
	case bf >= KiB:
		return fmt.Sprintf("%.2f KiB", bf/KiB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatDuration formats seconds as HH:MM:SS.
func FormatDuration(seconds float64) string {
	if seconds < 0 || seconds != seconds { // NaN check
		return "??:??:??"
	}

	totalSecs := int64(seconds)
	hours := totalSecs / 3600
	minutes := (totalSecs % 3600) / 60
	secs := totalSecs % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
}

// TimeArgs formats a GStreamer clock time the way GST_TIME_ARGS does
// (H:MM:SS.NNNNNNNNN).
func TimeArgs(ns int64) string {
	if ns < 0 {
		ns = -ns
	}
	return fmt.Sprintf("%d:%02d:%02d.%09d",
		ns/(GstSecond*60*60),
		(ns/(GstSecond*60))%60,
		(ns/GstSecond)%60,
		ns%GstSecond)
}

var gstTimeRegex = regexp.MustCompile(`^\s*(\d+):(\d+):(\d+)\.(\d+)`)

// ParseGstTime parses a H:MM:SS.NNNNNNNNN string into nanoseconds.
func ParseGstTime(s string) (int64, bool) {
	m := gstTimeRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}

	// The fraction is a decimal, not a nanosecond count.
	frac := m[4]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	frac += strings.Repeat("0", 9-len(frac))

	var parts [4]int64
	for i, field := range []string{m[1], m[2], m[3], frac} {
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return 0, false
		}
		parts[i] = v
	}

	return (parts[0]*3600+parts[1]*60+parts[2])*GstSecond + parts[3], true
}
