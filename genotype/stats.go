package genotype

import "time"

// Stats accumulates process-wide counters and timings across loci.
// Each locus is processed single-threaded; callers that fan out across
// loci keep one Stats per worker and combine them with Merge.
type Stats struct {
	// EMConverge counts loci whose stutter-model EM training converged.
	EMConverge int
	// EMFail counts loci whose EM training hit the iteration cap.
	EMFail int
	// GenotypeSuccess counts loci for which a genotype record was emitted.
	GenotypeSuccess int
	// GenotypeFail counts loci where genotyping ran but produced no call.
	GenotypeFail int
	// SkippedLoci counts loci abandoned before any modeling (too few
	// reads, or no stutter model available).
	SkippedLoci int
	// SkippedReads counts reads dropped because no length difference
	// could be extracted from their alignment.
	SkippedReads int
	// DupSetsRemoved counts PCR duplicate read pairs removed.
	DupSetsRemoved int

	// Cumulative wall-clock time spent acquiring stutter models and
	// genotyping, respectively.
	StutterTime  time.Duration
	GenotypeTime time.Duration
}

// Merge adds the field values of the two Stats objects and creates new
// Stats.
func (s Stats) Merge(o Stats) Stats {
	s.EMConverge += o.EMConverge
	s.EMFail += o.EMFail
	s.GenotypeSuccess += o.GenotypeSuccess
	s.GenotypeFail += o.GenotypeFail
	s.SkippedLoci += o.SkippedLoci
	s.SkippedReads += o.SkippedReads
	s.DupSetsRemoved += o.DupSetsRemoved
	s.StutterTime += o.StutterTime
	s.GenotypeTime += o.GenotypeTime
	return s
}
