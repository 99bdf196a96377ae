package genotype

import (
	"math"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"gonum.org/v1/gonum/floats"

	"github.com/strkit/strkit/region"
	"github.com/strkit/strkit/stutter"
)

// genotypePair indexes two alleles of a diploid genotype, a <= b.
// Haploid genotypes use a == b.
type genotypePair struct{ a, b int }

// minAlleleFreq is the floor applied to allele frequencies during EM so
// no candidate allele is ever assigned zero mass.
const minAlleleFreq = 1e-3

// minStutterProb is the floor for estimated stutter probabilities.
const minStutterProb = 1e-4

// LengthGenotyper jointly estimates a stutter model and per-sample STR
// genotypes from read length differences via expectation-maximization.
// One instance serves a single locus.
type LengthGenotyper struct {
	reg     region.Region
	haploid bool
	rgNames []string

	// Per read group, parallel slices: signed bp differences and
	// phasing log likelihoods for the two haplotype assignments.
	bpDiffs [][]int
	logP1s  [][]float64
	logP2s  [][]float64

	// alleles holds candidate allele bp differences, reference (0)
	// first, remaining values ascending.
	alleles   []int
	genotypes []genotypePair
	freqs     []float64

	model     *stutter.Model
	haveModel bool

	calls []Call
}

// NewLengthGenotyper builds an EM genotyper over the given per-read-group
// length differences and phasing log likelihoods. The slices must be
// parallel per read group: len(bpDiffs[i]) == len(logP1s[i]) == len(logP2s[i]).
func NewLengthGenotyper(reg region.Region, haploid bool, bpDiffs [][]int,
	logP1s, logP2s [][]float64, rgNames []string) *LengthGenotyper {
	g := &LengthGenotyper{
		reg:     reg,
		haploid: haploid,
		rgNames: rgNames,
		bpDiffs: bpDiffs,
		logP1s:  logP1s,
		logP2s:  logP2s,
		model:   stutter.Default(reg.Period),
	}

	seen := map[int]bool{0: true}
	others := []int{}
	for _, diffs := range bpDiffs {
		for _, d := range diffs {
			if !seen[d] {
				seen[d] = true
				others = append(others, d)
			}
		}
	}
	sort.Ints(others)
	g.alleles = append([]int{0}, others...)

	nA := len(g.alleles)
	if haploid {
		for a := 0; a < nA; a++ {
			g.genotypes = append(g.genotypes, genotypePair{a, a})
		}
	} else {
		for a := 0; a < nA; a++ {
			for b := a; b < nA; b++ {
				g.genotypes = append(g.genotypes, genotypePair{a, b})
			}
		}
	}
	g.freqs = make([]float64, nA)
	for i := range g.freqs {
		g.freqs[i] = 1 / float64(nA)
	}
	return g
}

func (g *LengthGenotyper) totalReads() int {
	n := 0
	for _, diffs := range g.bpDiffs {
		n += len(diffs)
	}
	return n
}

// logAdd returns log(exp(a) + exp(b)).
func logAdd(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	if math.IsInf(a, -1) {
		return a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// readLogLik scores one read against a genotype: the read came from
// haplotype 1 (allele a) or haplotype 2 (allele b) with the supplied
// phasing weights, and its length difference is explained by stutter.
func (g *LengthGenotyper) readLogLik(i, j, a, b int) (l1, l2 float64) {
	d := g.bpDiffs[i][j]
	l1 = g.logP1s[i][j] + g.model.LogProb(d-g.alleles[a])
	l2 = g.logP2s[i][j] + g.model.LogProb(d-g.alleles[b])
	return l1, l2
}

func (g *LengthGenotyper) logPrior(gt genotypePair, usePopFreqs bool) float64 {
	if !usePopFreqs {
		return -math.Log(float64(len(g.genotypes)))
	}
	if g.haploid {
		return math.Log(g.freqs[gt.a])
	}
	if gt.a == gt.b {
		return 2 * math.Log(g.freqs[gt.a])
	}
	return math.Ln2 + math.Log(g.freqs[gt.a]) + math.Log(g.freqs[gt.b])
}

// evaluate runs one E step: per-sample genotype posteriors, per-sample
// genotype log likelihoods (prior-free), and the total data log
// likelihood under the current parameters.
func (g *LengthGenotyper) evaluate(usePopFreqs bool) (post, liks [][]float64, totalLL float64) {
	nG := len(g.genotypes)
	post = make([][]float64, len(g.rgNames))
	liks = make([][]float64, len(g.rgNames))
	joint := make([]float64, nG)
	for i := range g.rgNames {
		post[i] = make([]float64, nG)
		liks[i] = make([]float64, nG)
		for gIdx, gt := range g.genotypes {
			ll := 0.0
			for j := range g.bpDiffs[i] {
				l1, l2 := g.readLogLik(i, j, gt.a, gt.b)
				ll += logAdd(l1, l2) - math.Ln2
			}
			liks[i][gIdx] = ll
			joint[gIdx] = ll + g.logPrior(gt, usePopFreqs)
		}
		norm := floats.LogSumExp(joint)
		for gIdx := range joint {
			post[i][gIdx] = math.Exp(joint[gIdx] - norm)
		}
		if len(g.bpDiffs[i]) > 0 {
			totalLL += norm
		}
	}
	return post, liks, totalLL
}

// mStep re-estimates allele frequencies and in-frame stutter
// parameters from the genotype posteriors. Out-of-frame artifact
// parameters are rare-event floors and are kept fixed.
func (g *LengthGenotyper) mStep(post [][]float64) {
	counts := make([]float64, len(g.alleles))
	var zeroW, upW, downW, outW float64
	var unitSum, stutterN float64

	accum := func(delta int, w float64) {
		switch {
		case delta == 0:
			zeroW += w
		case delta%g.reg.Period == 0:
			units := delta / g.reg.Period
			if units > 0 {
				upW += w
			} else {
				units = -units
				downW += w
			}
			unitSum += w * float64(units)
			stutterN += w
		default:
			outW += w
		}
	}

	for i := range g.rgNames {
		for gIdx, gt := range g.genotypes {
			gamma := post[i][gIdx]
			if gamma < 1e-12 {
				continue
			}
			counts[gt.a] += gamma
			counts[gt.b] += gamma
			for j, d := range g.bpDiffs[i] {
				l1, l2 := g.readLogLik(i, j, gt.a, gt.b)
				denom := logAdd(l1, l2)
				w1 := gamma * math.Exp(l1-denom)
				w2 := gamma * math.Exp(l2-denom)
				accum(d-g.alleles[gt.a], w1)
				accum(d-g.alleles[gt.b], w2)
			}
		}
	}

	tot := zeroW + upW + downW + outW
	if tot > 0 {
		up := math.Max(upW/tot, minStutterProb)
		down := math.Max(downW/tot, minStutterProb)
		// Leave room for the fixed out-of-frame mass.
		if room := 1 - g.model.OutProbUp - g.model.OutProbDown - 0.01; up+down > room {
			scale := room / (up + down)
			up *= scale
			down *= scale
		}
		g.model.ProbUp, g.model.ProbDown = up, down
	}
	if stutterN > 0 && unitSum >= stutterN {
		p := stutterN / unitSum
		g.model.GeomP = math.Min(math.Max(p, 0.05), 0.999)
	}

	totCounts := 0.0
	for i := range counts {
		counts[i] += minAlleleFreq
		totCounts += counts[i]
	}
	for i := range counts {
		g.freqs[i] = counts[i] / totCounts
	}
}

// Train runs EM until the total log likelihood changes by less than
// absThresh in absolute terms, or by less than fracThresh as a
// fraction of the previous value, reporting whether it converged
// within maxIter iterations. Only a converged run yields a stutter
// model.
func (g *LengthGenotyper) Train(maxIter int, absThresh, fracThresh float64) bool {
	if g.totalReads() == 0 {
		return false
	}
	prevLL := 0.0
	havePrev := false
	for iter := 0; iter < maxIter; iter++ {
		post, _, ll := g.evaluate(true)
		if havePrev {
			delta := math.Abs(ll - prevLL)
			if delta < absThresh || (prevLL != 0 && delta/math.Abs(prevLL) < fracThresh) {
				g.haveModel = true
				log.Debug.Printf("EM converged for %s after %d iterations: LL=%f", g.reg, iter, ll)
				return true
			}
		}
		g.mStep(post)
		prevLL, havePrev = ll, true
	}
	return false
}

// StutterModel returns the trained or explicitly set stutter model,
// or nil if training did not converge.
func (g *LengthGenotyper) StutterModel() *stutter.Model {
	if !g.haveModel {
		return nil
	}
	return g.model
}

// SetStutterModel installs a precomputed model, skipping training. The
// genotyper takes ownership of m; pass a copy.
func (g *LengthGenotyper) SetStutterModel(m *stutter.Model) {
	g.model = m
	g.haveModel = true
}

// Genotype computes MAP genotype calls for every sample. Population
// frequency weighting is deliberately disabled at this call site:
// genotypes are scored with a uniform prior, matching the established
// behavior of the length-based path.
func (g *LengthGenotyper) Genotype() bool {
	return g.genotype(false)
}

func (g *LengthGenotyper) genotype(usePopFreqs bool) bool {
	if !g.haveModel || g.totalReads() == 0 {
		return false
	}
	post, liks, _ := g.evaluate(usePopFreqs)
	g.calls = g.calls[:0]
	for i, name := range g.rgNames {
		if len(g.bpDiffs[i]) == 0 {
			g.calls = append(g.calls, Call{Sample: name})
			continue
		}
		best := 0
		for gIdx := range post[i] {
			if post[i][gIdx] > post[i][best] {
				best = gIdx
			}
		}
		gt := g.genotypes[best]
		var alleles []int
		if g.haploid {
			alleles = []int{g.alleles[gt.a]}
		} else {
			alleles = []int{g.alleles[gt.a], g.alleles[gt.b]}
		}
		gls := make([]float64, len(liks[i]))
		for gIdx, ll := range liks[i] {
			gls[gIdx] = ll / math.Ln10
		}
		g.calls = append(g.calls, Call{
			Sample:  name,
			Alleles: alleles,
			Quality: post[i][best],
			Depth:   len(g.bpDiffs[i]),
			GLs:     gls,
		})
	}
	return true
}

// Calls returns the calls computed by Genotype.
func (g *LengthGenotyper) Calls() []Call {
	return g.calls
}

// WriteRecord emits one VCF-shaped line for the locus.
func (g *LengthGenotyper) WriteRecord(w *tsv.Writer, opts RecordOpts) error {
	return writeRecord(w, g.reg, g.alleles, g.calls, nil, opts)
}
