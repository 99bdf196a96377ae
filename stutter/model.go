// Package stutter models PCR stutter: the tendency of amplification
// and sequencing to shift the apparent length of an STR allele by
// whole repeat units (in-frame) or, more rarely, by arbitrary base
// counts (out-of-frame).
package stutter

import (
	"fmt"
	"math"
)

// Model is a probability distribution over the signed bp difference
// between an observed repeat length and the true repeat length.
// In-frame changes (multiples of Period) follow a geometric
// distribution over unit counts; out-of-frame changes follow a
// geometric distribution over bp and are treated as rare artifacts.
type Model struct {
	Period int

	// In-frame stutter.
	ProbUp   float64 // probability a read gains >=1 whole repeat unit
	ProbDown float64 // probability a read loses >=1 whole repeat unit
	GeomP    float64 // geometric step parameter over unit counts

	// Out-of-frame artifacts.
	OutProbUp   float64
	OutProbDown float64
	OutGeomP    float64
}

// Default returns the model used to seed EM training for a locus with
// the given repeat period.
func Default(period int) *Model {
	return &Model{
		Period:      period,
		ProbUp:      0.05,
		ProbDown:    0.10,
		GeomP:       0.90,
		OutProbUp:   0.01,
		OutProbDown: 0.01,
		OutGeomP:    0.30,
	}
}

// LogProb returns the log probability of observing a length difference
// of delta bp between a read and the true allele.
func (m *Model) LogProb(delta int) float64 {
	if delta == 0 {
		return math.Log(1 - m.ProbUp - m.ProbDown - m.OutProbUp - m.OutProbDown)
	}
	if delta%m.Period == 0 {
		units := delta / m.Period
		p := m.ProbUp
		if units < 0 {
			units = -units
			p = m.ProbDown
		}
		return math.Log(p) + float64(units-1)*math.Log(1-m.GeomP) + math.Log(m.GeomP)
	}
	bp := delta
	p := m.OutProbUp
	if bp < 0 {
		bp = -bp
		p = m.OutProbDown
	}
	return math.Log(p) + float64(bp-1)*math.Log(1-m.OutGeomP) + math.Log(m.OutGeomP)
}

// Copy returns an independently mutable copy of m. Each genotyper
// instance receives its own copy so that no two genotypers alias one
// model.
func (m *Model) Copy() *Model {
	c := *m
	return &c
}

func (m *Model) String() string {
	return fmt.Sprintf("STUTTER(period=%d up=%.4f down=%.4f p=%.4f outup=%.4f outdown=%.4f outp=%.4f)",
		m.Period, m.ProbUp, m.ProbDown, m.GeomP, m.OutProbUp, m.OutProbDown, m.OutGeomP)
}

// valid reports whether the model's parameters form a proper
// distribution.
func (m *Model) valid() bool {
	if m.Period < 1 {
		return false
	}
	for _, p := range []float64{m.ProbUp, m.ProbDown, m.OutProbUp, m.OutProbDown} {
		if p <= 0 || p >= 1 {
			return false
		}
	}
	if m.GeomP <= 0 || m.GeomP > 1 || m.OutGeomP <= 0 || m.OutGeomP > 1 {
		return false
	}
	return m.ProbUp+m.ProbDown+m.OutProbUp+m.OutProbDown < 1
}
