// Package locus implements the chromosome/position algebra used to bucket
// and query genomic coordinates: chromosome normalization, locus-string
// parsing, step-bucketing, and overlap tests.
package locus

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Step is the bucket width positions are quantized to so a locus query
// reduces to a small set of equality lookups.
const Step = 20000

var chromPattern = regexp.MustCompile(`(?i)^(?:chr)?([1-9]|1\d|2[0-2]|x|y|xy|mt)$`)

// ParseChromosome normalizes a chromosome token, accepting an optional
// "chr" prefix and case-insensitive names. It does not accept the numeric
// aliases 23-26; those are a config-time mapping applied before parsing by
// callers that need it (see NormalizeChromosomeAlias).
func ParseChromosome(s string) (string, error) {
	m := chromPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", fmt.Errorf("locus: invalid chromosome %q", s)
	}
	return strings.ToUpper(m[1]), nil
}

// NormalizeChromosomeAlias maps the numeric aliases 23/24/25/26 (and "M")
// used by some upstream pipelines onto their canonical chromosome names
// before ParseChromosome is applied.
func NormalizeChromosomeAlias(s string) string {
	switch strings.ToUpper(strings.TrimPrefix(strings.ToLower(s), "chr")) {
	case "23":
		return "X"
	case "24":
		return "Y"
	case "25":
		return "XY"
	case "26", "M":
		return "MT"
	default:
		return s
	}
}

// Locus is a location on the genome: either a single base pair (SNP) or a
// half-open range (Region).
type Locus interface {
	fmt.Stringer

	// Chrom returns the normalized chromosome.
	Chrom() string

	// Region returns the half-open [start, stop) range this locus covers.
	Region() (chrom string, start, stop int)

	// Buckets returns the step-quantized (chrom, position) pairs this
	// locus occupies. A SNP yields exactly one; a Region yields one per
	// step between its start and stop, inclusive.
	Buckets() []Bucket

	// Overlaps reports whether this locus is overlapped by the half-open
	// region [start, stop) on chrom.
	Overlaps(chrom string, start, stop int) bool
}

// Bucket is a single step-quantized (chromosome, position) pair.
type Bucket struct {
	Chrom    string
	Position int
}

func steppedPos(pos int) int {
	return (pos / Step) * Step
}

// SNP is a locus pinned to one base pair.
type SNP struct {
	chrom    string
	Position int
}

// NewSNP constructs a SNP locus, normalizing the chromosome.
func NewSNP(chrom string, pos int) (SNP, error) {
	c, err := ParseChromosome(chrom)
	if err != nil {
		return SNP{}, err
	}
	return SNP{chrom: c, Position: pos}, nil
}

func (s SNP) Chrom() string { return s.chrom }
func (s SNP) String() string {
	return fmt.Sprintf("%s:%d", s.chrom, s.Position)
}
func (s SNP) Region() (string, int, int) { return s.chrom, s.Position, s.Position + 1 }
func (s SNP) Buckets() []Bucket {
	return []Bucket{{Chrom: s.chrom, Position: steppedPos(s.Position)}}
}
func (s SNP) Overlaps(chrom string, start, stop int) bool {
	return s.chrom == chrom && start <= s.Position && s.Position < stop
}

// Region is a locus spanning a half-open range [Start, Stop) on a
// chromosome.
type Region struct {
	chrom       string
	Start, Stop int
}

// NewRegion constructs a Region locus, normalizing the chromosome and
// validating Stop > Start.
func NewRegion(chrom string, start, stop int) (Region, error) {
	c, err := ParseChromosome(chrom)
	if err != nil {
		return Region{}, err
	}
	if stop <= start {
		return Region{}, fmt.Errorf("locus: stop (%d) must be > start (%d)", stop, start)
	}
	return Region{chrom: c, Start: start, Stop: stop}, nil
}

func (r Region) Chrom() string { return r.chrom }
func (r Region) String() string {
	return fmt.Sprintf("%s:%d-%d", r.chrom, r.Start, r.Stop)
}
func (r Region) Region() (string, int, int) { return r.chrom, r.Start, r.Stop }
func (r Region) Buckets() []Bucket {
	first := r.Start / Step
	last := r.Stop / Step
	out := make([]Bucket, 0, last-first+1)
	for p := first; p <= last; p++ {
		out = append(out, Bucket{Chrom: r.chrom, Position: p * Step})
	}
	return out
}
func (r Region) Overlaps(chrom string, start, stop int) bool {
	return r.chrom == chrom && stop > r.Start && start < r.Stop
}

var regionPattern = regexp.MustCompile(`(?i)^(?:chr)?([1-9]|1\d|2[0-2]|x|y|xy|mt):([\d,]+)(?:([+/-])([\d,]+))?$`)

// ParseRegionString parses "chr:pos", "chr:start-stop", "chr:pos+len", and
// "chr:pos/shift" tokens, tolerating thousands-separator commas. If the
// string does not match any of these grammars and lookupGene is non-nil, it
// is consulted as a gene-name fallback.
func ParseRegionString(s string, lookupGene func(name string) (chrom string, start, stop int, err error)) (chrom string, start, stop int, err error) {
	m := regionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		if lookupGene == nil {
			return "", 0, 0, fmt.Errorf("locus: failed to parse %q", s)
		}
		return lookupGene(s)
	}

	chromTok, startTok, adjust, endTok := m[1], m[2], m[3], m[4]

	start, err = atoiThousands(startTok)
	if err != nil {
		return "", 0, 0, err
	}

	switch adjust {
	case "+":
		length, err := atoiThousands(endTok)
		if err != nil {
			return "", 0, 0, err
		}
		stop = start + length
	case "/":
		shift, err := atoiThousands(endTok)
		if err != nil {
			return "", 0, 0, err
		}
		start, stop = start-shift, start+shift+1
	default:
		if endTok != "" {
			stop, err = atoiThousands(endTok)
			if err != nil {
				return "", 0, 0, err
			}
		} else {
			stop = start + 1
		}
	}

	if stop <= start {
		return "", 0, 0, fmt.Errorf("locus: stop (%d) must be > start (%d)", stop, start)
	}

	chrom, err = ParseChromosome(chromTok)
	if err != nil {
		return "", 0, 0, err
	}
	return chrom, start, stop, nil
}

// ParseLocusString parses a full locus token into a Locus value (SNP when
// there is no explicit stop, Region otherwise).
func ParseLocusString(s string, lookupGene func(name string) (chrom string, start, stop int, err error)) (Locus, error) {
	chrom, start, stop, err := ParseRegionString(s, lookupGene)
	if err != nil {
		return nil, err
	}
	if stop-start == 1 && !strings.ContainsAny(s, "-+/") {
		return NewSNP(chrom, start)
	}
	return NewRegion(chrom, start, stop)
}

func atoiThousands(s string) (int, error) {
	return strconv.Atoi(strings.ReplaceAll(s, ",", ""))
}
