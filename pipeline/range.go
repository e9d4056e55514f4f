package pipeline

import (
	"strconv"
	"strings"
)

// RangeOutcome classifies the result of parsing a Range header, per §6 and
// §8's boundary cases.
type RangeOutcome int

const (
	// RangeNone means no Range header was present — serve the full body.
	RangeNone RangeOutcome = iota
	// RangeSingle means exactly one satisfiable byte range was parsed.
	RangeSingle
	// RangeUnsatisfiable means a single range was parsed but cannot be
	// satisfied against total (e.g. start >= total).
	RangeUnsatisfiable
	// RangeIgnored covers both multi-range requests (out of scope, §1
	// Non-goals) and syntactically invalid Range headers — both fall back
	// to serving the full body per §4.7.
	RangeIgnored
)

// ByteRange is an inclusive [Start, End] span into a body of some total
// length.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes the range covers.
func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

// ParseRange parses header (the raw Range header value, e.g.
// "bytes=0-99") against a body of length total, per the grammar in §6:
//
//	bytes=START-END | bytes=START- | bytes=-SUFFIX | comma-separated list
func ParseRange(header string, total int64) (ByteRange, RangeOutcome) {
	if header == "" {
		return ByteRange{}, RangeNone
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return ByteRange{}, RangeIgnored
	}
	spec := strings.TrimPrefix(header, prefix)
	if spec == "" {
		return ByteRange{}, RangeIgnored
	}

	parts := strings.Split(spec, ",")
	if len(parts) > 1 {
		return ByteRange{}, RangeIgnored
	}

	r, ok := parseOneRange(strings.TrimSpace(parts[0]), total)
	if !ok {
		return ByteRange{}, RangeIgnored
	}
	if total <= 0 || r.Start >= total {
		return ByteRange{}, RangeUnsatisfiable
	}
	if r.End >= total {
		r.End = total - 1
	}
	if r.End < r.Start {
		return ByteRange{}, RangeUnsatisfiable
	}
	return r, RangeSingle
}

// parseOneRange parses a single "a-b" | "a-" | "-n" spec. It does not
// clamp against total — callers do that once, so both entry points (a
// future multi-range caller, if ever added) clamp identically.
func parseOneRange(spec string, total int64) (ByteRange, bool) {
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return ByteRange{}, false
	}

	startPart := spec[:dash]
	endPart := spec[dash+1:]

	if startPart == "" {
		// bytes=-SUFFIX : last SUFFIX bytes.
		if endPart == "" {
			return ByteRange{}, false
		}
		suffix, err := strconv.ParseInt(endPart, 10, 64)
		if err != nil || suffix < 0 {
			return ByteRange{}, false
		}
		if suffix == 0 {
			return ByteRange{}, false
		}
		start := total - suffix
		if start < 0 {
			start = 0
		}
		return ByteRange{Start: start, End: total - 1}, true
	}

	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, false
	}

	if endPart == "" {
		// bytes=START-
		return ByteRange{Start: start, End: total - 1}, true
	}

	end, err := strconv.ParseInt(endPart, 10, 64)
	if err != nil || end < 0 {
		return ByteRange{}, false
	}
	if end < start {
		return ByteRange{}, false
	}
	return ByteRange{Start: start, End: end}, true
}
