package genotype

import (
	"fmt"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/sam"

	"github.com/strkit/strkit/region"
	"github.com/strkit/strkit/stutter"
)

// Opts configures per-locus analysis.
type Opts struct {
	// MinTotalReads is the minimum number of usable reads across all
	// read groups; loci below it are skipped outright.
	MinTotalReads int

	// EM training bounds.
	MaxEMIter      int
	AbsLLConverge  float64
	FracLLConverge float64

	// UseSeqAligner selects the sequence-based genotyper; otherwise
	// the length-based EM genotyper is used.
	UseSeqAligner bool
	// OutputStrGTs enables genotyping and record output.
	OutputStrGTs bool
	// OutputAlleles enables the allele-only diagnostic output from the
	// sequence genotyper, even when genotyping is disabled.
	OutputAlleles bool
	OutputGLs     bool
	OutputPLs     bool
	OutputDepth   bool

	// RecalcStutterModel re-estimates the stutter model from the final
	// haplotype alignments. Not yet implemented; enabling it is a
	// configuration error.
	RecalcStutterModel bool

	// SamplesToGenotype restricts record output to the named samples.
	SamplesToGenotype []string

	// HaploidChroms lists chromosomes carrying a single copy.
	HaploidChroms map[string]bool
}

// DefaultOpts mirrors the established defaults of the analysis.
var DefaultOpts = Opts{
	MinTotalReads:  100,
	MaxEMIter:      100,
	AbsLLConverge:  0.01,
	FracLLConverge: 0.001,
	OutputStrGTs:   true,
}

// Processor runs the per-locus STR genotyping pipeline: stutter model
// acquisition (EM training or store lookup) followed by genotyping
// with one of the two strategies. Loci are processed synchronously;
// callers that parallelize across loci use one Processor per worker
// and merge Stats afterwards.
type Processor struct {
	Opts Opts

	// Models, when non-nil, switches stutter acquisition from EM
	// training to lookup of precomputed models.
	Models *stutter.Store
	// ModelOut, when non-nil, persists each newly trained model.
	ModelOut *stutter.ModelWriter
	// Panel supplies optional reference-panel alleles per locus,
	// passed through to the sequence genotyper unmodified.
	Panel map[region.Key][]PanelAllele

	// RecordOut receives one VCF-shaped line per genotyped locus.
	// Required when Opts.OutputStrGTs is set.
	RecordOut *tsv.Writer
	// AlleleOut receives allele-only diagnostic lines. Required when
	// Opts.OutputAlleles is set.
	AlleleOut *tsv.Writer

	stats Stats
}

// Stats returns a snapshot of the accumulated counters and timings.
func (p *Processor) Stats() Stats {
	return p.stats
}

// AddDuplicates folds a duplicate-removal count into the processor's
// counters.
func (p *Processor) AddDuplicates(n int) {
	p.stats.DupSetsRemoved += n
}

// AnalyzeReadsAndPhasing genotypes one locus. alignments holds the
// deduplicated STR-overlapping reads per read group; logP1s/logP2s the
// parallel phasing log likelihoods (both empty when no phasing
// information exists); rgNames the per-batch sample names. refWindow
// is the reference sequence of the locus padded by one repeat period
// on each side.
//
// Locus-level problems (too few reads, no stutter model, failed
// genotyping) are logged and counted, not returned: the error return
// is reserved for contract violations that must abort the run.
func (p *Processor) AnalyzeReadsAndPhasing(alignments [][]*sam.Record, logP1s, logP2s [][]float64,
	rgNames []string, reg region.Region, refWindow string) error {
	totalReads := 0
	for _, batch := range alignments {
		totalReads += len(batch)
	}
	if totalReads < p.Opts.MinTotalReads {
		log.Printf("Skipping locus %s with too few reads: TOTAL=%d, MIN=%d",
			reg, totalReads, p.Opts.MinTotalReads)
		p.stats.SkippedLoci++
		return nil
	}

	if len(alignments) != len(rgNames) {
		return fmt.Errorf("locus %s: %d alignment batches for %d read group names",
			reg, len(alignments), len(rgNames))
	}
	if len(logP1s) != 0 {
		if len(logP1s) != len(alignments) || len(logP2s) != len(alignments) {
			return fmt.Errorf("locus %s: phasing batch counts (%d, %d) do not match %d alignment batches",
				reg, len(logP1s), len(logP2s), len(alignments))
		}
		// An empty batch means no phasing information for that read
		// group; anything else must pair up read for read.
		for i := range logP1s {
			if (len(logP1s[i]) != 0 && len(logP1s[i]) != len(alignments[i])) ||
				(len(logP2s[i]) != 0 && len(logP2s[i]) != len(alignments[i])) ||
				len(logP1s[i]) != len(logP2s[i]) {
				return fmt.Errorf("locus %s: read group %s has %d reads but (%d, %d) phasing likelihoods",
					reg, rgNames[i], len(alignments[i]), len(logP1s[i]), len(logP2s[i]))
			}
		}
	}
	if len(refWindow) != reg.RefLength()+2*reg.Period {
		return fmt.Errorf("locus %s: reference window has %d bases, want %d",
			reg, len(refWindow), reg.RefLength()+2*reg.Period)
	}
	refAllele := refWindow[reg.Period : len(refWindow)-reg.Period]

	// Extract bp differences and phasing log likelihoods per read when
	// the length-based EM genotyper is needed for training or calling.
	bpDiffs := make([][]int, len(alignments))
	strLogP1s := make([][]float64, len(alignments))
	strLogP2s := make([][]float64, len(alignments))
	infReads, skipCount := 0, 0
	if p.Models == nil || !p.Opts.UseSeqAligner {
		windowStart := reg.Start - reg.Period
		windowStop := reg.Stop + reg.Period
		for i := range alignments {
			for j, r := range alignments[i] {
				diff, ok := ExtractOffset(r.Cigar, r.Pos, windowStart, windowStop)
				if !ok {
					skipCount++
					continue
				}
				if diff < -reg.RefLength() {
					log.Error.Printf("Excluding read %s: %d bp deletion exceeds the reference allele", r.Name, -diff)
					continue
				}
				infReads++
				bpDiffs[i] = append(bpDiffs[i], diff)
				if len(logP1s) == 0 || len(logP1s[i]) == 0 {
					// No SNP phasing information; weight both
					// haplotypes equally.
					strLogP1s[i] = append(strLogP1s[i], 0)
					strLogP2s[i] = append(strLogP2s[i], 0)
				} else {
					strLogP1s[i] = append(strLogP1s[i], logP1s[i][j])
					strLogP2s[i] = append(strLogP2s[i], logP2s[i][j])
				}
			}
		}
	}
	p.stats.SkippedReads += skipCount
	if totalReads-skipCount < p.Opts.MinTotalReads {
		log.Printf("Skipping locus %s with too few reads: TOTAL=%d, MIN=%d",
			reg, totalReads-skipCount, p.Opts.MinTotalReads)
		p.stats.SkippedLoci++
		return nil
	}

	haploid := p.Opts.HaploidChroms[reg.Chrom]
	var model *stutter.Model
	var lengthGt *LengthGenotyper
	stutterStart := time.Now()
	if p.Models != nil {
		if m, ok := p.Models.Lookup(reg); ok {
			model = m.Copy()
		} else {
			log.Error.Printf("No stutter model found for %s", reg)
			p.stats.SkippedLoci++
		}
	} else {
		log.Debug.Printf("Building EM stutter genotyper for %s", reg)
		lengthGt = NewLengthGenotyper(reg, haploid, bpDiffs, strLogP1s, strLogP2s, rgNames)
		log.Debug.Printf("Training EM stutter genotyper for %s", reg)
		if lengthGt.Train(p.Opts.MaxEMIter, p.Opts.AbsLLConverge, p.Opts.FracLLConverge) {
			p.stats.EMConverge++
			model = lengthGt.StutterModel().Copy()
			if p.ModelOut != nil {
				if err := p.ModelOut.Write(reg, lengthGt.StutterModel()); err != nil {
					return err
				}
			}
			log.Printf("Learned stutter model for %s: %s", reg, model)
		} else {
			p.stats.EMFail++
			log.Printf("Stutter model training failed for locus %s with %d informative reads", reg, infReads)
		}
	}
	stutterTime := time.Since(stutterStart)
	p.stats.StutterTime += stutterTime

	var seqGt *SeqGenotyper
	var genotypeTime time.Duration
	if model != nil {
		genotypeStart := time.Now()
		recordOpts := RecordOpts{
			RefAllele:   refAllele,
			Samples:     p.Opts.SamplesToGenotype,
			OutputGLs:   p.Opts.OutputGLs,
			OutputPLs:   p.Opts.OutputPLs,
			OutputDepth: p.Opts.OutputDepth,
		}
		var gt Genotyper
		if p.Opts.UseSeqAligner {
			var err error
			seqGt, err = NewSeqGenotyper(reg, haploid, alignments, logP1s, logP2s,
				rgNames, refWindow, model.Copy(), p.Panel[reg.Key()])
			if err != nil {
				return err
			}
			if p.Opts.OutputAlleles {
				if err := seqGt.WriteAlleles(p.AlleleOut); err != nil {
					return err
				}
			}
			gt = seqGt
		} else {
			if lengthGt == nil {
				lengthGt = NewLengthGenotyper(reg, haploid, bpDiffs, strLogP1s, strLogP2s, rgNames)
				lengthGt.SetStutterModel(model.Copy())
			}
			gt = lengthGt
		}
		if p.Opts.OutputStrGTs {
			if gt.Genotype() {
				p.stats.GenotypeSuccess++
				if err := gt.WriteRecord(p.RecordOut, recordOpts); err != nil {
					return err
				}
				if seqGt != nil && p.Opts.RecalcStutterModel {
					// Re-estimating the model from the haplotype
					// ML alignments is not built yet.
					return fmt.Errorf("recalc-stutter-model is not implemented")
				}
			} else {
				p.stats.GenotypeFail++
			}
		}
		genotypeTime = time.Since(genotypeStart)
		p.stats.GenotypeTime += genotypeTime
	}

	log.Printf("Locus %s timing: stutter estimation = %v", reg, stutterTime)
	if model != nil {
		log.Printf("Locus %s timing: genotyping = %v", reg, genotypeTime)
		if seqGt != nil {
			t := seqGt.StageTimings()
			log.Printf("Locus %s timing: left alignment = %v, haplotype generation = %v, haplotype alignment = %v, alignment traceback = %v",
				reg, t.LeftAlign, t.HapBuild, t.HapAlign, t.AlnTraceback)
		}
	}
	return nil
}
