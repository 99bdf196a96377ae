package genotype

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/sam"
	"gonum.org/v1/gonum/floats"

	"github.com/strkit/strkit/region"
	"github.com/strkit/strkit/stutter"
)

// Per-edit log penalties applied when aligning a read against a
// candidate haplotype. Length changes are explained by the stutter
// model; these cover base-level disagreement beyond that.
var (
	logSubPenalty   = math.Log(0.01)
	logIndelPenalty = math.Log(0.001)
)

// PanelAllele is a known alternate allele sequence from a reference
// panel, passed through to the sequence genotyper unmodified.
type PanelAllele struct {
	Seq string
}

// StageTimings reports wall-clock durations of the sequence
// genotyper's internal stages.
type StageTimings struct {
	LeftAlign    time.Duration
	HapBuild     time.Duration
	HapAlign     time.Duration
	AlnTraceback time.Duration
}

// SeqGenotyper genotypes a locus by aligning each read's repeat-window
// sequence against candidate haplotype alleles and combining the
// alignment likelihoods with the stutter model and phasing evidence.
// One instance serves a single locus and owns its stutter model copy.
type SeqGenotyper struct {
	reg       region.Region
	haploid   bool
	rgNames   []string
	refWindow string // reference sequence of the padded locus window
	refAllele string
	model     *stutter.Model

	windowStart int
	windowStop  int

	// Usable reads per read group: the window-clipped sequence and the
	// phasing log likelihoods.
	readSeqs [][]string
	logP1s   [][]float64
	logP2s   [][]float64
	dropped  int

	haps     []string // haps[0] is the reference allele
	hapDiffs []int    // bp difference of each haplotype vs the reference

	readLLs [][][]float64 // per rg, per read, per haplotype
	support []int         // reads assigned to each haplotype by traceback
	calls   []Call

	timings StageTimings
}

// NewSeqGenotyper clips each alignment to the locus window and builds
// the candidate haplotype set. refWindow is the reference sequence of
// the locus padded by one repeat period on each side. The genotyper
// takes ownership of model; pass a copy. Panel alleles, when provided,
// seed additional candidate haplotypes.
func NewSeqGenotyper(reg region.Region, haploid bool, alignments [][]*sam.Record,
	logP1s, logP2s [][]float64, rgNames []string, refWindow string,
	model *stutter.Model, panel []PanelAllele) (*SeqGenotyper, error) {
	if len(refWindow) != reg.RefLength()+2*reg.Period {
		return nil, fmt.Errorf("reference window for %s has %d bases, want %d",
			reg, len(refWindow), reg.RefLength()+2*reg.Period)
	}
	g := &SeqGenotyper{
		reg:         reg,
		haploid:     haploid,
		rgNames:     rgNames,
		refWindow:   refWindow,
		refAllele:   refWindow[reg.Period : len(refWindow)-reg.Period],
		model:       model,
		windowStart: reg.Start - reg.Period,
		windowStop:  reg.Stop + reg.Period,
	}

	start := time.Now()
	g.readSeqs = make([][]string, len(alignments))
	g.logP1s = make([][]float64, len(alignments))
	g.logP2s = make([][]float64, len(alignments))
	for i := range alignments {
		for j, r := range alignments[i] {
			seq, ok := windowSequence(r, g.windowStart, g.windowStop)
			if !ok {
				g.dropped++
				continue
			}
			g.readSeqs[i] = append(g.readSeqs[i], seq)
			// An empty phasing batch means no phasing information for
			// that read group; weight both haplotypes equally.
			if len(logP1s) == 0 || len(logP1s[i]) == 0 {
				g.logP1s[i] = append(g.logP1s[i], 0)
				g.logP2s[i] = append(g.logP2s[i], 0)
			} else {
				g.logP1s[i] = append(g.logP1s[i], logP1s[i][j])
				g.logP2s[i] = append(g.logP2s[i], logP2s[i][j])
			}
		}
	}
	g.timings.LeftAlign = time.Since(start)

	start = time.Now()
	g.buildHaplotypes(panel)
	g.timings.HapBuild = time.Since(start)
	return g, nil
}

// buildHaplotypes derives the candidate allele set from the observed
// window lengths plus any panel alleles. The window part of each
// haplotype is the reference window with the repeat tract resized.
func (g *SeqGenotyper) buildHaplotypes(panel []PanelAllele) {
	// The clipped window covers refAllele plus one period of flank on
	// each side.
	refWindowLen := g.windowStop - g.windowStart + 1
	seen := map[int]bool{0: true}
	diffs := []int{}
	for i := range g.readSeqs {
		for _, seq := range g.readSeqs[i] {
			d := len(seq) - refWindowLen
			if d <= -g.reg.RefLength() {
				continue
			}
			if !seen[d] {
				seen[d] = true
				diffs = append(diffs, d)
			}
		}
	}
	for _, p := range panel {
		d := len(p.Seq) - g.reg.RefLength()
		if !seen[d] {
			seen[d] = true
			diffs = append(diffs, d)
		}
	}
	sort.Ints(diffs)

	// Haplotype sequences cover the same padded window as the clipped
	// reads: flank, resized repeat tract, flank.
	left := g.refWindow[:g.reg.Period]
	right := g.refWindow[len(g.refWindow)-g.reg.Period:]
	g.hapDiffs = append([]int{0}, diffs...)
	g.haps = make([]string, 0, len(g.hapDiffs))
	for _, d := range g.hapDiffs {
		g.haps = append(g.haps, left+alleleSeq(g.refAllele, d, g.reg.Period)+right)
	}
}

func (g *SeqGenotyper) totalReads() int {
	n := 0
	for _, seqs := range g.readSeqs {
		n += len(seqs)
	}
	return n
}

// alignReads scores every usable read against every candidate
// haplotype.
func (g *SeqGenotyper) alignReads() {
	refWindowLen := g.windowStop - g.windowStart + 1
	g.readLLs = make([][][]float64, len(g.readSeqs))
	for i := range g.readSeqs {
		g.readLLs[i] = make([][]float64, len(g.readSeqs[i]))
		for j, seq := range g.readSeqs[i] {
			lls := make([]float64, len(g.haps))
			for h, hap := range g.haps {
				lenDiff := len(seq) - refWindowLen - g.hapDiffs[h]
				_, subs, indels := editAlign(seq, hap)
				extraIndels := indels - abs(len(seq)-len(hap))
				if extraIndels < 0 {
					extraIndels = 0
				}
				lls[h] = g.model.LogProb(lenDiff) +
					float64(subs)*logSubPenalty +
					float64(extraIndels)*logIndelPenalty
			}
			g.readLLs[i][j] = lls
		}
	}
}

// Genotype aligns reads against the candidate haplotypes and computes
// MAP calls per sample, reporting whether any call could be made.
func (g *SeqGenotyper) Genotype() bool {
	if g.totalReads() == 0 || len(g.haps) == 0 {
		return false
	}

	start := time.Now()
	g.alignReads()
	g.timings.HapAlign = time.Since(start)

	start = time.Now()
	defer func() { g.timings.AlnTraceback = time.Since(start) }()

	nH := len(g.haps)
	var genotypes []genotypePair
	if g.haploid {
		for a := 0; a < nH; a++ {
			genotypes = append(genotypes, genotypePair{a, a})
		}
	} else {
		for a := 0; a < nH; a++ {
			for b := a; b < nH; b++ {
				genotypes = append(genotypes, genotypePair{a, b})
			}
		}
	}

	g.support = make([]int, nH)
	g.calls = g.calls[:0]
	joint := make([]float64, len(genotypes))
	for i, name := range g.rgNames {
		if len(g.readSeqs[i]) == 0 {
			g.calls = append(g.calls, Call{Sample: name})
			continue
		}
		for gIdx, gt := range genotypes {
			ll := 0.0
			for j := range g.readSeqs[i] {
				l1 := g.logP1s[i][j] + g.readLLs[i][j][gt.a]
				l2 := g.logP2s[i][j] + g.readLLs[i][j][gt.b]
				ll += logAdd(l1, l2) - math.Ln2
			}
			joint[gIdx] = ll
		}
		norm := floats.LogSumExp(joint)
		best := 0
		for gIdx := range joint {
			if joint[gIdx] > joint[best] {
				best = gIdx
			}
		}
		gt := genotypes[best]
		var alleles []int
		if g.haploid {
			alleles = []int{g.hapDiffs[gt.a]}
		} else {
			alleles = []int{g.hapDiffs[gt.a], g.hapDiffs[gt.b]}
		}
		gls := make([]float64, len(joint))
		for gIdx, ll := range joint {
			gls[gIdx] = ll / math.Ln10
		}
		g.calls = append(g.calls, Call{
			Sample:  name,
			Alleles: alleles,
			Quality: math.Exp(joint[best] - norm),
			Depth:   len(g.readSeqs[i]),
			GLs:     gls,
		})

		// Assign each read to its maximum-likelihood haplotype for the
		// per-allele support diagnostics.
		for j := range g.readSeqs[i] {
			bestHap := 0
			for h := 1; h < nH; h++ {
				if g.readLLs[i][j][h] > g.readLLs[i][j][bestHap] {
					bestHap = h
				}
			}
			g.support[bestHap]++
		}
	}
	log.Debug.Printf("Sequence genotyper for %s: %d haplotypes, %d reads, %d dropped",
		g.reg, nH, g.totalReads(), g.dropped)
	return true
}

// Calls returns the calls computed by Genotype.
func (g *SeqGenotyper) Calls() []Call {
	return g.calls
}

// Support returns the number of reads assigned to each candidate
// haplotype, parallel to the haplotype list. Only valid after a
// successful Genotype.
func (g *SeqGenotyper) Support() []int {
	return g.support
}

// StageTimings reports the durations of the genotyper's sub-stages.
func (g *SeqGenotyper) StageTimings() StageTimings {
	return g.timings
}

// WriteAlleles emits a diagnostic line listing the candidate alleles
// for the locus. It does not require genotyping to have run.
func (g *SeqGenotyper) WriteAlleles(w *tsv.Writer) error {
	w.WriteString(g.reg.Chrom)
	w.WriteUint32(uint32(g.reg.Start + 1))
	w.WriteString(g.refAllele)
	if len(g.hapDiffs) > 1 {
		alts := make([]string, 0, len(g.hapDiffs)-1)
		for _, d := range g.hapDiffs[1:] {
			alts = append(alts, alleleSeq(g.refAllele, d, g.reg.Period))
		}
		w.WriteString(strings.Join(alts, ","))
	} else {
		w.WriteString(".")
	}
	return w.EndLine()
}

// WriteRecord emits one VCF-shaped line for the locus.
func (g *SeqGenotyper) WriteRecord(w *tsv.Writer, opts RecordOpts) error {
	var altSeqs []string
	for _, d := range g.hapDiffs[1:] {
		altSeqs = append(altSeqs, alleleSeq(opts.RefAllele, d, g.reg.Period))
	}
	return writeRecord(w, g.reg, g.hapDiffs, g.calls, altSeqs, opts)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
