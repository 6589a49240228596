package locus

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnSpec describes how to build a Locus from one or more row column
// values, as parsed out of a schema token such as "chr:pos",
// "chromosome:start-stop", or "varId=$chr:$pos*".
type ColumnSpec struct {
	// Columns names the row fields this spec reads from, in the order
	// Build expects them.
	Columns []string

	// Template is true when this spec was parsed from a "col=template"
	// token (a single source column whose value embeds the locus).
	Template bool

	// Build constructs a Locus from the values of Columns, in order.
	Build func(values []string) (Locus, error)
}

var (
	templateSpecPattern = regexp.MustCompile(`^([^=]+)=(.+)$`)
	plainSpecPattern    = regexp.MustCompile(`^([^:]+):([^-]+)(?:-(.+))?$`)

	templateFields = map[string]string{
		"$chr":   `(?P<chr>(?:chr)?(?:[1-9]|1\d|2[0-2]|x|y|xy|mt))`,
		"$pos":   `(?P<pos>[\d,]+)`,
		"$start": `(?P<start>[\d,]+)`,
		"$stop":  `(?P<stop>[\d,]+)`,
	}
)

// ParseColumnSpec parses one comma-separated schema token into a ColumnSpec.
// It returns ok=false when the token is a plain (non-locus) key column.
func ParseColumnSpec(token string) (spec ColumnSpec, ok bool, err error) {
	token = strings.TrimSpace(token)

	if m := templateSpecPattern.FindStringSubmatch(token); m != nil {
		column, format := m[1], m[2]

		pattern := format
		for name, repl := range templateFields {
			pattern = strings.ReplaceAll(pattern, name, repl)
		}
		re, err := regexp.Compile(`(?i)^` + pattern)
		if err != nil {
			return ColumnSpec{}, false, fmt.Errorf("locus: bad template %q: %w", token, err)
		}

		names := re.SubexpNames()
		hasStart, hasStop := false, false
		for _, n := range names {
			switch n {
			case "start":
				hasStart = true
			case "stop":
				hasStop = true
			}
		}
		isRegion := hasStart && hasStop

		build := func(values []string) (Locus, error) {
			if len(values) != 1 {
				return nil, fmt.Errorf("locus: template spec expects exactly 1 column value, got %d", len(values))
			}
			m := re.FindStringSubmatch(values[0])
			if m == nil {
				return nil, fmt.Errorf("locus: value %q does not match template %q", values[0], format)
			}
			get := func(name string) string {
				for i, n := range names {
					if n == name {
						return m[i]
					}
				}
				return ""
			}
			chrom := get("chr")
			if isRegion {
				start, err := atoiThousands(get("start"))
				if err != nil {
					return nil, err
				}
				stop, err := atoiThousands(get("stop"))
				if err != nil {
					return nil, err
				}
				return NewRegion(chrom, start, stop)
			}
			pos, err := atoiThousands(get("pos"))
			if err != nil {
				return nil, err
			}
			return NewSNP(chrom, pos)
		}

		return ColumnSpec{Columns: []string{column}, Template: true, Build: build}, true, nil
	}

	m := plainSpecPattern.FindStringSubmatch(token)
	if m == nil {
		return ColumnSpec{}, false, nil
	}
	chromCol, startCol, stopCol := m[1], m[2], m[3]

	if stopCol == "" {
		build := func(values []string) (Locus, error) {
			pos, err := atoiThousands(values[1])
			if err != nil {
				return nil, err
			}
			return NewSNP(values[0], pos)
		}
		return ColumnSpec{Columns: []string{chromCol, startCol}, Build: build}, true, nil
	}

	build := func(values []string) (Locus, error) {
		start, err := atoiThousands(values[1])
		if err != nil {
			return nil, err
		}
		stop, err := atoiThousands(values[2])
		if err != nil {
			return nil, err
		}
		return NewRegion(values[0], start, stop)
	}
	return ColumnSpec{Columns: []string{chromCol, startCol, stopCol}, Build: build}, true, nil
}
