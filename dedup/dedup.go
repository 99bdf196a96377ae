// Package dedup collapses PCR duplicate read pairs at an STR locus.
//
// Two read pairs are duplicates when they come from the same library
// and share the same (min fragment start, max fragment start)
// signature. Within a duplicate set, the pair whose STR-overlapping
// read has the highest summed base quality is retained; the rest are
// discarded before any statistical modeling sees them.
package dedup

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

var rgTag = sam.Tag{'R', 'G'}

// readPair is one duplicate-detection unit: an STR-overlapping read,
// its mate when the read is paired, and the sequencing library the
// fragment came from. Pairs are built transiently per locus and
// discarded once the deduplicated batches have been rebuilt.
type readPair struct {
	read     *sam.Record
	mate     *sam.Record // nil for single-ended STR reads
	library  string
	minStart int
	maxStart int
}

func newSingleEndedPair(read *sam.Record, library string) readPair {
	return readPair{
		read:     read,
		library:  library,
		minStart: -1,
		maxStart: read.Pos,
	}
}

func newReadPair(read, mate *sam.Record, library string) readPair {
	p := readPair{read: read, mate: mate, library: library}
	if read.Pos < mate.Pos {
		p.minStart, p.maxStart = read.Pos, mate.Pos
	} else {
		p.minStart, p.maxStart = mate.Pos, read.Pos
	}
	return p
}

func (p *readPair) singleEnded() bool {
	return p.mate == nil
}

func (p *readPair) duplicateOf(other *readPair) bool {
	return p.library == other.library &&
		p.minStart == other.minStart &&
		p.maxStart == other.maxStart
}

// less orders pairs lexicographically by (library, min start, max
// start) so that duplicates end up adjacent.
func (p *readPair) less(other *readPair) bool {
	if p.library != other.library {
		return p.library < other.library
	}
	if p.minStart != other.minStart {
		return p.minStart < other.minStart
	}
	return p.maxStart < other.maxStart
}

// library resolves the sequencing library a read belongs to. With
// useBamRG set, the read's RG aux tag is looked up in rgToLibrary;
// otherwise the caller-supplied batch name (typically the source
// filename) is. A missing tag or mapping indicates malformed input.
func library(r *sam.Record, useBamRG bool, batchName string, rgToLibrary map[string]string) (string, error) {
	key := batchName
	if useBamRG {
		aux := r.AuxFields.Get(rgTag)
		if aux == nil {
			return "", fmt.Errorf("failed to retrieve RG tag for read %s", r.Name)
		}
		rg, ok := aux.Value().(string)
		if !ok {
			return "", fmt.Errorf("RG tag for read %s is not a string", r.Name)
		}
		key = rg
	}
	lib, ok := rgToLibrary[key]
	if !ok {
		return "", fmt.Errorf("no library found for read group %s", key)
	}
	return lib, nil
}

// RemovePCRDuplicates rebuilds the three parallel per-read-group
// batches in place, keeping exactly one read pair per (library, min
// start, max start) signature. paired[i][j] is an STR-overlapping read
// whose mate is mates[i][j]; unpaired[i] holds single-ended STR reads.
// rgNames names each batch and doubles as the library lookup key when
// useBamRG is false. Returns the number of duplicate pairs removed.
func RemovePCRDuplicates(bq *BaseQuality, useBamRG bool, rgToLibrary map[string]string,
	rgNames []string, paired, mates, unpaired [][]*sam.Record) (int, error) {
	if len(paired) != len(mates) || len(paired) != len(unpaired) || len(paired) != len(rgNames) {
		return 0, fmt.Errorf("mismatched read group batches: %d paired, %d mates, %d unpaired, %d names",
			len(paired), len(mates), len(unpaired), len(rgNames))
	}

	dupCount := 0
	for i := range paired {
		if len(paired[i]) != len(mates[i]) {
			return dupCount, fmt.Errorf("read group %s: %d paired reads but %d mates",
				rgNames[i], len(paired[i]), len(mates[i]))
		}

		pairs := make([]readPair, 0, len(paired[i])+len(unpaired[i]))
		for j, r := range paired[i] {
			lib, err := library(r, useBamRG, rgNames[i], rgToLibrary)
			if err != nil {
				return dupCount, err
			}
			pairs = append(pairs, newReadPair(r, mates[i][j], lib))
		}
		for _, r := range unpaired[i] {
			lib, err := library(r, useBamRG, rgNames[i], rgToLibrary)
			if err != nil {
				return dupCount, err
			}
			pairs = append(pairs, newSingleEndedPair(r, lib))
		}
		// Stable so that ties within a duplicate set resolve to the
		// earliest-encountered pair.
		sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].less(&pairs[b]) })

		paired[i] = paired[i][:0]
		mates[i] = mates[i][:0]
		unpaired[i] = unpaired[i][:0]
		if len(pairs) == 0 {
			continue
		}

		keep := func(p *readPair) {
			if p.singleEnded() {
				unpaired[i] = append(unpaired[i], p.read)
			} else {
				paired[i] = append(paired[i], p.read)
				mates[i] = append(mates[i], p.mate)
			}
		}

		best := 0
		bestQual := bq.SumLogProbCorrect(pairs[0].read.Qual)
		for j := 1; j < len(pairs); j++ {
			if pairs[j].duplicateOf(&pairs[best]) {
				dupCount++
				// A strict comparison keeps the earliest pair in
				// sorted order when qualities tie.
				if q := bq.SumLogProbCorrect(pairs[j].read.Qual); q > bestQual {
					best, bestQual = j, q
				}
			} else {
				keep(&pairs[best])
				best, bestQual = j, bq.SumLogProbCorrect(pairs[j].read.Qual)
			}
		}
		keep(&pairs[best])
	}

	log.Debug.Printf("Removed %d sets of PCR duplicate reads", dupCount)
	return dupCount, nil
}
