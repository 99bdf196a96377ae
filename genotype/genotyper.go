// Package genotype implements the per-locus STR genotyping pipeline:
// length-difference extraction, EM stutter-model training, and the two
// genotyper strategies (length-based and sequence-based) that share a
// stutter model.
package genotype

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/tsv"

	"github.com/strkit/strkit/region"
)

// Call is one sample's genotype at one locus. Allele values are signed
// bp differences from the reference allele; the reference allele is 0.
type Call struct {
	Sample string
	// Alleles holds one entry for haploid calls and two for diploid.
	Alleles []int
	// Quality is the posterior probability of the called genotype.
	Quality float64
	// Depth is the number of informative reads for the sample.
	Depth int
	// GLs are log10 genotype likelihoods in the order genotypes were
	// enumerated (ref-first allele ordering, a<=b pairs).
	GLs []float64
}

// Genotyper is the common capability of the two genotyping strategies.
// Exactly one implementation is selected per locus by configuration.
type Genotyper interface {
	// Genotype computes per-sample calls, reporting whether any call
	// could be made.
	Genotype() bool
	// Calls returns the calls computed by Genotype.
	Calls() []Call
	// WriteRecord emits one VCF-shaped record line for the locus.
	WriteRecord(w *tsv.Writer, opts RecordOpts) error
}

var (
	_ Genotyper = (*LengthGenotyper)(nil)
	_ Genotyper = (*SeqGenotyper)(nil)
)

// RecordOpts controls record emission.
type RecordOpts struct {
	RefAllele string
	// Samples restricts output to the named samples, in order. Empty
	// means all samples with calls, in read-group order.
	Samples     []string
	OutputGLs   bool
	OutputPLs   bool
	OutputDepth bool
}

// alleleSeq derives an allele's sequence from the reference allele and
// a signed bp difference. Expansions repeat the leading motif;
// contractions truncate. A contraction can never consume the whole
// reference allele (such reads are excluded upstream).
func alleleSeq(refAllele string, diff, period int) string {
	switch {
	case diff == 0:
		return refAllele
	case diff < 0:
		if -diff >= len(refAllele) {
			return refAllele[:1]
		}
		return refAllele[:len(refAllele)+diff]
	default:
		motif := refAllele
		if len(refAllele) > period {
			motif = refAllele[:period]
		}
		var b strings.Builder
		b.WriteString(refAllele)
		for k := 0; k < diff; k++ {
			b.WriteByte(motif[k%len(motif)])
		}
		return b.String()
	}
}

// writeRecord renders one locus record. alleles must be the bp-diff
// allele list with the reference (0) first; call GT indices are
// resolved against it. altSeqs optionally supplies explicit alternate
// allele sequences (parallel to alleles[1:]); when nil they are derived
// from the reference allele and the bp differences.
func writeRecord(w *tsv.Writer, reg region.Region, alleles []int, calls []Call, altSeqs []string, opts RecordOpts) error {
	alleleIdx := make(map[int]int, len(alleles))
	for i, a := range alleles {
		alleleIdx[a] = i
	}

	w.WriteString(reg.Chrom)
	w.WriteUint32(uint32(reg.Start + 1)) // 1-based in text output
	w.WriteString(".")
	w.WriteString(opts.RefAllele)

	if len(alleles) > 1 {
		alts := altSeqs
		if alts == nil {
			for _, a := range alleles[1:] {
				alts = append(alts, alleleSeq(opts.RefAllele, a, reg.Period))
			}
		}
		w.WriteString(strings.Join(alts, ","))
	} else {
		w.WriteString(".")
	}
	w.WriteString(".") // QUAL
	w.WriteString(".") // FILTER

	depth := 0
	for _, c := range calls {
		depth += c.Depth
	}
	w.WriteString(fmt.Sprintf("PERIOD=%d;NREADS=%d;NALLELES=%d", reg.Period, depth, len(alleles)))

	format := "GT:Q"
	if opts.OutputGLs {
		format += ":GL"
	}
	if opts.OutputPLs {
		format += ":PL"
	}
	if opts.OutputDepth {
		format += ":DP"
	}
	w.WriteString(format)

	byName := make(map[string]*Call, len(calls))
	for i := range calls {
		byName[calls[i].Sample] = &calls[i]
	}
	names := opts.Samples
	if len(names) == 0 {
		names = make([]string, 0, len(calls))
		for _, c := range calls {
			names = append(names, c.Sample)
		}
	}
	for _, name := range names {
		c, ok := byName[name]
		if !ok || len(c.Alleles) == 0 {
			w.WriteString(".")
			continue
		}
		var b strings.Builder
		for i, a := range c.Alleles {
			if i > 0 {
				b.WriteByte('/')
			}
			b.WriteString(strconv.Itoa(alleleIdx[a]))
		}
		fmt.Fprintf(&b, ":%.3f", c.Quality)
		if opts.OutputGLs {
			b.WriteByte(':')
			writeFloatList(&b, c.GLs)
		}
		if opts.OutputPLs {
			b.WriteByte(':')
			writePhredList(&b, c.GLs)
		}
		if opts.OutputDepth {
			fmt.Fprintf(&b, ":%d", c.Depth)
		}
		w.WriteString(b.String())
	}
	return w.EndLine()
}

func writeFloatList(b *strings.Builder, gls []float64) {
	for i, gl := range gls {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%.2f", gl)
	}
}

// writePhredList writes PL values: genotype likelihoods rescaled so
// the most likely genotype is 0 and expressed in phred units.
func writePhredList(b *strings.Builder, gls []float64) {
	max := 0.0
	for i, gl := range gls {
		if i == 0 || gl > max {
			max = gl
		}
	}
	for i, gl := range gls {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%d", int(10*(max-gl)+0.5))
	}
}
