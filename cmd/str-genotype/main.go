package main

/*
str-genotype calls short tandem repeat (STR) genotypes from a BAM or
PAM file. For each locus in the region table it removes PCR
duplicates, learns or loads a PCR stutter model, and emits one
genotype record per locus.
*/

import (
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/bio/encoding/fasta"
	"github.com/grailbio/hts/sam"

	"github.com/strkit/strkit/dedup"
	"github.com/strkit/strkit/genotype"
	"github.com/strkit/strkit/region"
	"github.com/strkit/strkit/stutter"
)

var (
	bamPath     = flag.String("bam", "", "Input BAM or PAM filename")
	indexPath   = flag.String("index", "", "Input BAM index filename. By default, set to input BAM filename + .bai")
	fastaPath   = flag.String("fasta", "", "Reference FASTA filename")
	faiPath     = flag.String("fasta-index", "", "FASTA index filename. By default, set to FASTA filename + .fai")
	regionsPath = flag.String("regions", "", "STR region table (TSV with Chrom/Start/Stop/Period columns)")
	outPath     = flag.String("out", "str-genotype.tsv", "Output genotype records")
	allelesPath = flag.String("alleles-out", "", "Optional candidate-allele diagnostic output")
	stutterIn   = flag.String("stutter-in", "", "Precomputed stutter model TSV; when set, EM training is skipped")
	stutterOut  = flag.String("stutter-out", "", "Write trained stutter models to this TSV")

	minReads    = flag.Int("min-reads", genotype.DefaultOpts.MinTotalReads, "Minimum spanning reads required to process a locus")
	maxEMIter   = flag.Int("max-em-iter", genotype.DefaultOpts.MaxEMIter, "Maximum EM iterations when training a stutter model")
	seqAligner  = flag.Bool("seq-aligner", false, "Genotype with the sequence-based aligner instead of read lengths")
	outputGLs   = flag.Bool("output-gls", false, "Include genotype likelihoods in output records")
	outputPLs   = flag.Bool("output-pls", false, "Include phred-scaled genotype likelihoods in output records")
	outputDepth = flag.Bool("output-depth", false, "Include per-sample read depth in output records")
	recalcModel = flag.Bool("recalc-stutter-model", false, "Re-estimate the stutter model from haplotype alignments (unimplemented)")
	haploidList = flag.String("haploid", "", "Comma-separated chromosomes to genotype as haploid")
	sampleList  = flag.String("samples", "", "Comma-separated samples to genotype; default is all read groups")

	mapq        = flag.Int("mapq", 20, "Reads with MAPQ below this level are skipped")
	maxReadSpan = flag.Int("max-read-span", 511, "Upper bound on size of reference-genome region a read maps to")
)

const filterFlags = sam.Unmapped | sam.Secondary | sam.Supplementary | sam.Duplicate | sam.QCFail

var rgTag = sam.Tag{'R', 'G'}

// recordRG returns the read's RG tag, or "" when the tag is missing
// or malformed so that the caller can substitute the default group.
func recordRG(r *sam.Record) string {
	aux := r.AuxFields.Get(rgTag)
	if aux == nil {
		return ""
	}
	rg, ok := aux.Value().(string)
	if !ok {
		return ""
	}
	return rg
}

// locusReads groups the spanning reads of one locus by read group, in
// the order of rgNames, pairing records that share a name so that
// duplicate removal can use fragment signatures.
type locusReads struct {
	rgNames  []string
	rgIndex  map[string]int
	paired   [][]*sam.Record
	mates    [][]*sam.Record
	unpaired [][]*sam.Record

	pending map[string]*sam.Record
}

func newLocusReads(rgNames []string) *locusReads {
	lr := &locusReads{
		rgNames:  rgNames,
		rgIndex:  make(map[string]int, len(rgNames)),
		paired:   make([][]*sam.Record, len(rgNames)),
		mates:    make([][]*sam.Record, len(rgNames)),
		unpaired: make([][]*sam.Record, len(rgNames)),
		pending:  make(map[string]*sam.Record),
	}
	for i, name := range rgNames {
		lr.rgIndex[name] = i
	}
	return lr
}

func (lr *locusReads) groupIndex(r *sam.Record, defaultRG string) (int, error) {
	rg := recordRG(r)
	if rg == "" {
		rg = defaultRG
	}
	i, ok := lr.rgIndex[rg]
	if !ok {
		return 0, fmt.Errorf("read %s: read group %q not in header", r.Name, rg)
	}
	return i, nil
}

func (lr *locusReads) add(r *sam.Record, defaultRG string) error {
	i, err := lr.groupIndex(r, defaultRG)
	if err != nil {
		return err
	}
	if mate, ok := lr.pending[r.Name]; ok {
		delete(lr.pending, r.Name)
		lr.paired[i] = append(lr.paired[i], mate)
		lr.mates[i] = append(lr.mates[i], r)
		return nil
	}
	lr.pending[r.Name] = r
	return nil
}

// finish moves unmatched reads to the unpaired lists. Reads whose
// mates map outside the locus window arrive alone and are treated as
// single-ended for duplicate marking. Reads are ordered by name so
// duplicate-removal tie-breaking is deterministic.
func (lr *locusReads) finish(defaultRG string) {
	leftover := make([]*sam.Record, 0, len(lr.pending))
	for _, r := range lr.pending {
		leftover = append(leftover, r)
	}
	sort.Slice(leftover, func(i, j int) bool { return leftover[i].Name < leftover[j].Name })
	for _, r := range leftover {
		i, err := lr.groupIndex(r, defaultRG)
		if err != nil {
			continue // validated in add
		}
		lr.unpaired[i] = append(lr.unpaired[i], r)
	}
	lr.pending = nil
}

// alignments flattens the deduplicated reads back into per-read-group
// batches for genotyping.
func (lr *locusReads) alignments() [][]*sam.Record {
	out := make([][]*sam.Record, len(lr.rgNames))
	for i := range lr.rgNames {
		out[i] = append(out[i], lr.paired[i]...)
		out[i] = append(out[i], lr.mates[i]...)
		out[i] = append(out[i], lr.unpaired[i]...)
	}
	return out
}

// spans reports whether the read's alignment covers the full window.
func spans(r *sam.Record, windowStart, windowStop int) bool {
	return r.Pos <= windowStart && r.End() > windowStop
}

func strGenotypeUsage() {
	fmt.Printf("Usage: str-genotype -bam <path> -fasta <path> -regions <path> [OPTIONS]\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = strGenotypeUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}
	if *bamPath == "" || *fastaPath == "" || *regionsPath == "" {
		log.Fatalf("-bam, -fasta and -regions are required")
	}
	if *stutterIn != "" && *stutterOut != "" {
		log.Fatalf("-stutter-in and -stutter-out are mutually exclusive")
	}

	ctx := vcontext.Background()

	regions, err := region.ReadRegions(ctx, *regionsPath)
	if err != nil {
		log.Fatalf("read regions %s: %v", *regionsPath, err)
	}
	log.Printf("Loaded %d STR regions from %s", len(regions), *regionsPath)

	provider := bamprovider.NewProvider(*bamPath, bamprovider.ProviderOpts{Index: *indexPath})
	header, err := provider.GetHeader()
	if err != nil {
		log.Fatalf("read header %s: %v", *bamPath, err)
	}

	// Read groups define both the duplicate-marking libraries and the
	// per-sample genotyping batches. A headerless BAM gets a single
	// synthetic group.
	useBamRG := true
	rgToLibrary := make(map[string]string)
	var rgNames []string
	for _, rg := range header.RGs() {
		lib := rg.Library()
		if lib == "" {
			lib = rg.Name()
		}
		rgToLibrary[rg.Name()] = lib
		rgNames = append(rgNames, rg.Name())
	}
	const defaultRG = "default"
	if len(rgNames) == 0 {
		useBamRG = false
		rgToLibrary[defaultRG] = defaultRG
		rgNames = []string{defaultRG}
	}
	log.Printf("Genotyping %d read groups", len(rgNames))

	faIn, err := file.Open(ctx, *fastaPath)
	if err != nil {
		log.Fatalf("open %s: %v", *fastaPath, err)
	}
	defer faIn.Close(ctx) // nolint: errcheck
	fai := *faiPath
	if fai == "" {
		fai = *fastaPath + ".fai"
	}
	faiIn, err := file.Open(ctx, fai)
	if err != nil {
		log.Fatalf("open %s: %v", fai, err)
	}
	defer faiIn.Close(ctx) // nolint: errcheck
	fa, err := fasta.NewIndexed(faIn.Reader(ctx), faiIn.Reader(ctx))
	if err != nil {
		log.Fatalf("fasta.NewIndexed %s,%s: %v", *fastaPath, fai, err)
	}

	opts := genotype.DefaultOpts
	opts.MinTotalReads = *minReads
	opts.MaxEMIter = *maxEMIter
	opts.UseSeqAligner = *seqAligner
	opts.OutputAlleles = *allelesPath != ""
	opts.OutputGLs = *outputGLs
	opts.OutputPLs = *outputPLs
	opts.OutputDepth = *outputDepth
	opts.RecalcStutterModel = *recalcModel
	if *haploidList != "" {
		opts.HaploidChroms = make(map[string]bool)
		for _, chrom := range strings.Split(*haploidList, ",") {
			opts.HaploidChroms[chrom] = true
		}
	}
	if *sampleList != "" {
		opts.SamplesToGenotype = strings.Split(*sampleList, ",")
	}

	proc := &genotype.Processor{Opts: opts}

	if *stutterIn != "" {
		models, err := stutter.ReadModels(ctx, *stutterIn)
		if err != nil {
			log.Fatalf("read stutter models %s: %v", *stutterIn, err)
		}
		log.Printf("Loaded %d stutter models from %s", models.Len(), *stutterIn)
		proc.Models = models
	}

	out, err := file.Create(ctx, *outPath)
	if err != nil {
		log.Fatalf("create %s: %v", *outPath, err)
	}
	recordOut := tsv.NewWriter(out.Writer(ctx))
	proc.RecordOut = recordOut
	writeRecordHeader(recordOut, rgNames, opts)

	var allelesOut file.File
	if *allelesPath != "" {
		if allelesOut, err = file.Create(ctx, *allelesPath); err != nil {
			log.Fatalf("create %s: %v", *allelesPath, err)
		}
		proc.AlleleOut = tsv.NewWriter(allelesOut.Writer(ctx))
	}
	var modelsOut file.File
	if *stutterOut != "" {
		if modelsOut, err = file.Create(ctx, *stutterOut); err != nil {
			log.Fatalf("create %s: %v", *stutterOut, err)
		}
		proc.ModelOut = stutter.NewModelWriter(modelsOut.Writer(ctx))
	}

	bq := dedup.NewBaseQuality()
	for _, reg := range regions {
		if err := processLocus(proc, provider, fa, bq, useBamRG, rgToLibrary, rgNames, defaultRG, reg); err != nil {
			log.Fatalf("locus %s: %v", reg, err)
		}
	}

	if err := recordOut.Flush(); err != nil {
		log.Fatalf("flush %s: %v", *outPath, err)
	}
	if err := out.Close(ctx); err != nil {
		log.Fatalf("close %s: %v", *outPath, err)
	}
	if proc.AlleleOut != nil {
		if err := proc.AlleleOut.Flush(); err != nil {
			log.Fatalf("flush %s: %v", *allelesPath, err)
		}
		if err := allelesOut.Close(ctx); err != nil {
			log.Fatalf("close %s: %v", *allelesPath, err)
		}
	}
	if proc.ModelOut != nil {
		if err := proc.ModelOut.Flush(); err != nil {
			log.Fatalf("flush %s: %v", *stutterOut, err)
		}
		if err := modelsOut.Close(ctx); err != nil {
			log.Fatalf("close %s: %v", *stutterOut, err)
		}
	}
	if err := provider.Close(); err != nil {
		log.Fatalf("close %s: %v", *bamPath, err)
	}

	stats := proc.Stats()
	log.Printf("Loci: %d genotyped, %d failed, %d skipped", stats.GenotypeSuccess, stats.GenotypeFail, stats.SkippedLoci)
	log.Printf("Stutter models: %d EM converged, %d EM failed", stats.EMConverge, stats.EMFail)
	log.Printf("Reads: %d unusable, %d PCR duplicate sets removed", stats.SkippedReads, stats.DupSetsRemoved)
	log.Printf("Timing: stutter estimation = %v, genotyping = %v", stats.StutterTime, stats.GenotypeTime)
}

func writeRecordHeader(w *tsv.Writer, rgNames []string, opts genotype.Opts) {
	for _, col := range []string{"#CHROM", "POS", "ID", "REF", "ALT", "QUAL", "FILTER", "INFO", "FORMAT"} {
		w.WriteString(col)
	}
	names := opts.SamplesToGenotype
	if len(names) == 0 {
		names = rgNames
	}
	for _, name := range names {
		w.WriteString(name)
	}
	if err := w.EndLine(); err != nil {
		log.Fatalf("write record header: %v", err)
	}
}

// processLocus collects the spanning reads for one region, removes
// PCR duplicates, and hands the survivors to the genotyping pipeline.
func processLocus(proc *genotype.Processor, provider bamprovider.Provider, fa fasta.Fasta,
	bq *dedup.BaseQuality, useBamRG bool, rgToLibrary map[string]string, rgNames []string,
	defaultRG string, reg region.Region) error {
	windowStart := reg.Start - reg.Period
	windowStop := reg.Stop + reg.Period
	if windowStart < 0 {
		log.Error.Printf("Skipping locus %s: window extends past the start of %s", reg, reg.Chrom)
		return nil
	}

	refWindow, err := fa.Get(reg.Chrom, uint64(windowStart), uint64(windowStop)+1)
	if err != nil {
		return err
	}
	refWindow = strings.ToUpper(refWindow)

	iterStart := windowStart - *maxReadSpan
	if iterStart < 0 {
		iterStart = 0
	}
	iter := bamprovider.NewRefIterator(provider, reg.Chrom, iterStart, windowStop+1)
	lr := newLocusReads(rgNames)
	for iter.Scan() {
		r := iter.Record()
		if r.Flags&filterFlags != 0 || int(r.MapQ) < *mapq {
			continue
		}
		if !spans(r, windowStart, windowStop) {
			continue
		}
		if err := lr.add(r, defaultRG); err != nil {
			if e := iter.Close(); e != nil {
				return e
			}
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	lr.finish(defaultRG)

	nDups, err := dedup.RemovePCRDuplicates(bq, useBamRG, rgToLibrary, rgNames,
		lr.paired, lr.mates, lr.unpaired)
	if err != nil {
		return err
	}
	proc.AddDuplicates(nDups)

	return proc.AnalyzeReadsAndPhasing(lr.alignments(), nil, nil, rgNames, reg, refWindow)
}
