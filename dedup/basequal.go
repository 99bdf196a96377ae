package dedup

import "math"

// minQual is the Phred score substituted for qualities below it.
// A Phred score of 0 means "no information", which would otherwise map
// to a log probability of negative infinity.
const minQual = 1

// BaseQuality converts raw Phred base quality scores into log
// probabilities via a precomputed table. It is used only to rank
// duplicate read pairs by sequencing quality.
type BaseQuality struct {
	logProbCorrect [256]float64
	logProbError   [256]float64
}

// NewBaseQuality returns a scorer for raw (non-ASCII-offset) Phred
// scores, as stored in sam.Record.Qual.
func NewBaseQuality() *BaseQuality {
	bq := &BaseQuality{}
	for q := range bq.logProbCorrect {
		score := q
		if score < minQual {
			score = minQual
		}
		pError := math.Pow(10, -float64(score)/10)
		bq.logProbError[q] = math.Log(pError)
		bq.logProbCorrect[q] = math.Log1p(-pError)
	}
	return bq
}

// LogProbCorrect returns the log probability that a base with the
// given Phred score was called correctly.
func (bq *BaseQuality) LogProbCorrect(qual byte) float64 {
	return bq.logProbCorrect[qual]
}

// LogProbError returns the log probability that a base with the given
// Phred score was miscalled.
func (bq *BaseQuality) LogProbError(qual byte) float64 {
	return bq.logProbError[qual]
}

// SumLogProbCorrect sums the log probability of a correct call over
// all bases in qual. Higher values indicate higher-quality reads.
func (bq *BaseQuality) SumLogProbCorrect(qual []byte) float64 {
	total := 0.0
	for _, q := range qual {
		total += bq.logProbCorrect[q]
	}
	return total
}
