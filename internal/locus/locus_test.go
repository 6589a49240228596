package locus

import "testing"

func TestParseChromosome(t *testing.T) {
	cases := map[string]string{
		"chr1":  "1",
		"CHR1":  "1",
		"22":    "22",
		"chrX":  "X",
		"y":     "Y",
		"xy":    "XY",
		"chrMT": "MT",
	}
	for in, want := range cases {
		got, err := ParseChromosome(in)
		if err != nil {
			t.Fatalf("ParseChromosome(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseChromosome(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseChromosomeInvalid(t *testing.T) {
	for _, in := range []string{"chr23", "0", "zz", ""} {
		if _, err := ParseChromosome(in); err == nil {
			t.Errorf("ParseChromosome(%q): expected error", in)
		}
	}
}

func TestNormalizeChromosomeAlias(t *testing.T) {
	cases := map[string]string{
		"23":    "X",
		"chr24": "Y",
		"25":    "XY",
		"26":    "MT",
		"chrM":  "MT",
		"chr5":  "chr5",
	}
	for in, want := range cases {
		if got := NormalizeChromosomeAlias(in); got != want {
			t.Errorf("NormalizeChromosomeAlias(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSNPBuckets(t *testing.T) {
	s, err := NewSNP("chr1", 20500)
	if err != nil {
		t.Fatal(err)
	}
	b := s.Buckets()
	if len(b) != 1 || b[0].Position != 20000 {
		t.Errorf("Buckets() = %+v, want single bucket at 20000", b)
	}
}

func TestRegionBuckets(t *testing.T) {
	r, err := NewRegion("chr1", 19000, 41000)
	if err != nil {
		t.Fatal(err)
	}
	got := r.Buckets()
	want := []int{0, 20000, 40000}
	if len(got) != len(want) {
		t.Fatalf("Buckets() = %+v, want %d buckets", got, len(want))
	}
	for i, w := range want {
		if got[i].Position != w {
			t.Errorf("Buckets()[%d].Position = %d, want %d", i, got[i].Position, w)
		}
	}
}

func TestRegionInvalidRange(t *testing.T) {
	if _, err := NewRegion("chr1", 100, 100); err == nil {
		t.Error("NewRegion with stop == start: expected error")
	}
	if _, err := NewRegion("chr1", 100, 50); err == nil {
		t.Error("NewRegion with stop < start: expected error")
	}
}

func TestOverlaps(t *testing.T) {
	r, _ := NewRegion("chr1", 100, 200)
	if !r.Overlaps("1", 150, 250) {
		t.Error("expected overlap")
	}
	if r.Overlaps("1", 200, 300) {
		t.Error("half-open boundary should not overlap")
	}
	if r.Overlaps("2", 150, 250) {
		t.Error("different chromosome should not overlap")
	}
}

func TestParseRegionStringForms(t *testing.T) {
	cases := []struct {
		in          string
		chrom       string
		start, stop int
	}{
		{"chr1:1,000", "1", 1000, 1001},
		{"chr1:1000-2000", "1", 1000, 2000},
		{"chr1:1000+500", "1", 1000, 1500},
		{"chr1:1000/10", "1", 990, 1011},
	}
	for _, c := range cases {
		chrom, start, stop, err := ParseRegionString(c.in, nil)
		if err != nil {
			t.Fatalf("ParseRegionString(%q): %v", c.in, err)
		}
		if chrom != c.chrom || start != c.start || stop != c.stop {
			t.Errorf("ParseRegionString(%q) = (%q,%d,%d), want (%q,%d,%d)",
				c.in, chrom, start, stop, c.chrom, c.start, c.stop)
		}
	}
}

func TestParseRegionStringGeneFallback(t *testing.T) {
	lookup := func(name string) (string, int, int, error) {
		if name == "BRCA2" {
			return "13", 32315474, 32400266, nil
		}
		return "", 0, 0, errNotFound(name)
	}
	chrom, start, stop, err := ParseRegionString("BRCA2", lookup)
	if err != nil {
		t.Fatal(err)
	}
	if chrom != "13" || start != 32315474 || stop != 32400266 {
		t.Errorf("got (%q,%d,%d)", chrom, start, stop)
	}
}

type errNotFound string

func (e errNotFound) Error() string { return "gene not found: " + string(e) }

func TestParseLocusStringKind(t *testing.T) {
	l, err := ParseLocusString("chr1:1000", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(SNP); !ok {
		t.Errorf("expected SNP, got %T", l)
	}

	l, err = ParseLocusString("chr1:1000-2000", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := l.(Region); !ok {
		t.Errorf("expected Region, got %T", l)
	}
}
