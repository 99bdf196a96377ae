package genotype

import (
	"bytes"
	"strings"
	"testing"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"

	"github.com/strkit/strkit/stutter"
)

// The reference window for testRegion: one period of flank on each
// side of a five-unit TGTG tract.
const (
	testLeftFlank  = "ACGA"
	testRefAllele  = "TGTGTGTGTGTGTGTGTGTG"
	testRightFlank = "CATC"
	testRefWindow  = testLeftFlank + testRefAllele + testRightFlank
)

// refReads returns n reads exactly matching the reference window.
func refReads(n int) []*sam.Record {
	reads := make([]*sam.Record, n)
	for i := range reads {
		reads[i] = newAlignedRead("ref", testWindowStart, testRefWindow,
			sam.Cigar{sam.NewCigarOp(sam.CigarMatch, len(testRefWindow))})
	}
	return reads
}

// expandedReads returns n reads carrying a clean diff-bp expansion of
// the repeat tract, aligned with a single insertion.
func expandedReads(n, diff int) []*sam.Record {
	seq := testLeftFlank + alleleSeq(testRefAllele, diff, testRegion.Period) + testRightFlank
	reads := make([]*sam.Record, n)
	for i := range reads {
		reads[i] = newAlignedRead("exp", testWindowStart, seq, sam.Cigar{
			sam.NewCigarOp(sam.CigarMatch, 14),
			sam.NewCigarOp(sam.CigarInsertion, diff),
			sam.NewCigarOp(sam.CigarMatch, len(testRefWindow)-14),
		})
	}
	return reads
}

func TestSeqGenotyperHet(t *testing.T) {
	alignments := [][]*sam.Record{append(refReads(4), expandedReads(4, 4)...)}
	g, err := NewSeqGenotyper(testRegion, false, alignments, nil, nil,
		[]string{"s1"}, testRefWindow, stutter.Default(testRegion.Period), nil)
	assert.NoError(t, err)

	assert.True(t, g.Genotype())
	calls := g.Calls()
	assert.Equal(t, 1, len(calls))
	assert.Equal(t, []int{0, 4}, calls[0].Alleles)
	assert.Equal(t, 8, calls[0].Depth)
	assert.True(t, calls[0].Quality > 0.5)

	// Each read aligns perfectly to exactly one haplotype.
	assert.Equal(t, []int{4, 4}, g.Support())
}

func TestSeqGenotyperEmptyPhasingBatch(t *testing.T) {
	alignments := [][]*sam.Record{append(refReads(4), expandedReads(4, 4)...)}
	// An empty per-group likelihood batch means no phasing information
	// and must behave exactly like passing no likelihoods at all.
	g, err := NewSeqGenotyper(testRegion, false, alignments,
		[][]float64{{}}, [][]float64{{}},
		[]string{"s1"}, testRefWindow, stutter.Default(testRegion.Period), nil)
	assert.NoError(t, err)

	assert.True(t, g.Genotype())
	calls := g.Calls()
	assert.Equal(t, 1, len(calls))
	assert.Equal(t, []int{0, 4}, calls[0].Alleles)
}

func TestSeqGenotyperHaploid(t *testing.T) {
	alignments := [][]*sam.Record{expandedReads(6, 4)}
	g, err := NewSeqGenotyper(testRegion, true, alignments, nil, nil,
		[]string{"s1"}, testRefWindow, stutter.Default(testRegion.Period), nil)
	assert.NoError(t, err)

	assert.True(t, g.Genotype())
	assert.Equal(t, []int{4}, g.Calls()[0].Alleles)
}

func TestSeqGenotyperPanelAllele(t *testing.T) {
	panel := []PanelAllele{{Seq: alleleSeq(testRefAllele, 8, testRegion.Period)}}
	alignments := [][]*sam.Record{refReads(3)}
	g, err := NewSeqGenotyper(testRegion, false, alignments, nil, nil,
		[]string{"s1"}, testRefWindow, stutter.Default(testRegion.Period), panel)
	assert.NoError(t, err)

	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	assert.NoError(t, g.WriteAlleles(w))
	assert.NoError(t, w.Flush())

	fields := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\t")
	assert.Equal(t, 4, len(fields))
	assert.Equal(t, "chr1", fields[0])
	assert.Equal(t, "101", fields[1])
	assert.Equal(t, testRefAllele, fields[2])
	assert.Equal(t, alleleSeq(testRefAllele, 8, testRegion.Period), fields[3])

	// The panel allele is a candidate even with no read support.
	assert.True(t, g.Genotype())
	assert.Equal(t, []int{0, 0}, g.Calls()[0].Alleles)
}

func TestSeqGenotyperRefWindowLength(t *testing.T) {
	_, err := NewSeqGenotyper(testRegion, false, nil, nil, nil, nil,
		testRefWindow[:20], stutter.Default(testRegion.Period), nil)
	assert.Error(t, err)
}

func TestSeqGenotyperNoUsableReads(t *testing.T) {
	// The read stops short of the window; nothing is genotypable.
	short := newAlignedRead("short", testWindowStart, testRefWindow[:10],
		sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 10)})
	g, err := NewSeqGenotyper(testRegion, false, [][]*sam.Record{{short}}, nil, nil,
		[]string{"s1"}, testRefWindow, stutter.Default(testRegion.Period), nil)
	assert.NoError(t, err)
	assert.False(t, g.Genotype())
}

func TestSeqGenotyperWriteRecord(t *testing.T) {
	alignments := [][]*sam.Record{append(refReads(4), expandedReads(4, 4)...)}
	g, err := NewSeqGenotyper(testRegion, false, alignments, nil, nil,
		[]string{"s1"}, testRefWindow, stutter.Default(testRegion.Period), nil)
	assert.NoError(t, err)
	assert.True(t, g.Genotype())

	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	assert.NoError(t, g.WriteRecord(w, RecordOpts{RefAllele: testRefAllele}))
	assert.NoError(t, w.Flush())

	fields := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\t")
	assert.Equal(t, 10, len(fields))
	assert.Equal(t, "chr1", fields[0])
	assert.Equal(t, "101", fields[1])
	assert.Equal(t, testRefAllele, fields[3])
	assert.Equal(t, alleleSeq(testRefAllele, 4, testRegion.Period), fields[4])
	assert.Equal(t, "PERIOD=4;NREADS=8;NALLELES=2", fields[7])
	assert.Equal(t, "GT:Q", fields[8])
	assert.True(t, strings.HasPrefix(fields[9], "0/1:"))
}
