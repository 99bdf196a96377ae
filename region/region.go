package region

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Region is one STR locus: a genomic interval plus the length of the
// repeat motif. Regions are immutable value types; loci are keyed by
// coordinates, not by identity.
type Region struct {
	Chrom  string
	Start  int
	Stop   int
	Period int
}

// Key identifies a region by coordinates alone. Stutter model lookups
// use Key so that two Region values describing the same interval hit
// the same dictionary entry regardless of the period annotation.
type Key struct {
	Chrom string
	Start int
	Stop  int
}

// Key returns the coordinate key for r.
func (r Region) Key() Key {
	return Key{Chrom: r.Chrom, Start: r.Start, Stop: r.Stop}
}

func (r Region) String() string {
	return fmt.Sprintf("%s:%d-%d", r.Chrom, r.Start, r.Stop)
}

// RefLength returns the length of the reference allele in bp.
func (r Region) RefLength() int {
	return r.Stop - r.Start + 1
}

// Less orders regions by (chrom, start, stop).
func (r Region) Less(other Region) bool {
	if r.Chrom != other.Chrom {
		return r.Chrom < other.Chrom
	}
	if r.Start != other.Start {
		return r.Start < other.Start
	}
	return r.Stop < other.Stop
}

// ReadRegions loads STR regions from a TSV file with a header row of
// "Chrom Start Stop Period". The returned regions are sorted by
// coordinate.
func ReadRegions(ctx context.Context, path string) ([]Region, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	r.RequireParseAllColumns = true

	row := struct {
		Chrom  string
		Start  int
		Stop   int
		Period int
	}{}
	var regions []Region
	nLine := 0
	for {
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(err, fmt.Sprintf("read regions %s: line %d", path, nLine))
		}
		nLine++
		if row.Stop < row.Start {
			return nil, fmt.Errorf("%s:%d: region stop %d precedes start %d", path, nLine, row.Stop, row.Start)
		}
		if row.Period < 1 {
			return nil, fmt.Errorf("%s:%d: invalid repeat period %d", path, nLine, row.Period)
		}
		regions = append(regions, Region{
			Chrom:  row.Chrom,
			Start:  row.Start,
			Stop:   row.Stop,
			Period: row.Period,
		})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Less(regions[j]) })
	return regions, nil
}
