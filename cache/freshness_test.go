package cache

import (
	"testing"
	"time"
)

func TestParseCacheControl(t *testing.T) {
	d := ParseCacheControl(`public, max-age=60, stale-while-revalidate=30, stale-if-error="120"`)
	if !d.Public {
		t.Error("expected Public")
	}
	if d.MaxAge == nil || *d.MaxAge != 60 {
		t.Fatalf("MaxAge = %v", d.MaxAge)
	}
	if d.StaleWhileReval == nil || *d.StaleWhileReval != 30 {
		t.Fatalf("StaleWhileReval = %v", d.StaleWhileReval)
	}
	if d.StaleIfError == nil || *d.StaleIfError != 120 {
		t.Fatalf("StaleIfError = %v", d.StaleIfError)
	}
}

func TestParseCacheControlUnknownDirectivesIgnored(t *testing.T) {
	d := ParseCacheControl("no-cache, some-unknown-thing=yes, private")
	if !d.NoCache || !d.Private {
		t.Fatalf("d = %+v", d)
	}
}

func TestCacheable(t *testing.T) {
	cases := []struct {
		name   string
		d      Directives
		status int
		want   bool
	}{
		{"plain 200", Directives{}, 200, true},
		{"no-store", Directives{NoStore: true}, 200, false},
		{"private", Directives{Private: true}, 200, false},
		{"304", Directives{}, 304, true},
		{"500", Directives{}, 500, false},
		{"404", Directives{}, 404, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Cacheable(c.d, c.status); got != c.want {
				t.Errorf("Cacheable(%+v, %d) = %v, want %v", c.d, c.status, got, c.want)
			}
		})
	}
}

func TestTTLPrecedenceAndCap(t *testing.T) {
	cfg := TTLConfig{DefaultTTL: 10 * time.Second, MaxTTL: 100 * time.Second}

	if got := TTL(Directives{}, cfg); got != 10*time.Second {
		t.Errorf("default TTL = %v", got)
	}

	maxAge := 50
	if got := TTL(Directives{MaxAge: &maxAge}, cfg); got != 50*time.Second {
		t.Errorf("max-age TTL = %v", got)
	}

	sMaxAge := 40
	if got := TTL(Directives{MaxAge: &maxAge, SMaxAge: &sMaxAge}, cfg); got != 40*time.Second {
		t.Errorf("s-maxage should win over max-age, got %v", got)
	}

	huge := 1000
	if got := TTL(Directives{MaxAge: &huge}, cfg); got != cfg.MaxTTL {
		t.Errorf("TTL not capped: got %v, want %v", got, cfg.MaxTTL)
	}
}

func TestClassify(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	swr := 60 * time.Second
	a := &Artifact{
		CreatedAt:          base,
		ExpiresAt:          base.Add(100 * time.Second),
		StaleIfErrorWindow: 3600 * time.Second,
	}

	cases := []struct {
		now  time.Time
		want FreshnessClass
	}{
		{base.Add(50 * time.Second), Fresh},
		{base.Add(100 * time.Second), Stale},
		{base.Add(130 * time.Second), Stale},
		{base.Add(200 * time.Second), ErrorStale},
		{base.Add(3600 * time.Second), ErrorStale},
		{base.Add(4000 * time.Second), Expired},
	}
	for _, c := range cases {
		if got := Classify(a, c.now, swr); got != c.want {
			t.Errorf("Classify at +%v = %v, want %v", c.now.Sub(base), got, c.want)
		}
	}
}

func TestDirectivesFormatRoundTrip(t *testing.T) {
	maxAge := 60
	d := Directives{Public: true, MaxAge: &maxAge, MustRevalidate: true}
	formatted := d.Format()
	reparsed := ParseCacheControl(formatted)
	if !reparsed.Public || !reparsed.MustRevalidate || reparsed.MaxAge == nil || *reparsed.MaxAge != 60 {
		t.Fatalf("round-trip mismatch: formatted=%q reparsed=%+v", formatted, reparsed)
	}
}

func TestStaleIfErrorWindowDefault(t *testing.T) {
	if got := StaleIfErrorWindow(Directives{}, 90*time.Second); got != 90*time.Second {
		t.Errorf("default = %v", got)
	}
	n := 200
	if got := StaleIfErrorWindow(Directives{StaleIfError: &n}, 90*time.Second); got != 200*time.Second {
		t.Errorf("explicit = %v", got)
	}
}
