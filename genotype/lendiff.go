package genotype

import "github.com/grailbio/hts/sam"

// ExtractOffset computes the signed bp difference between a read's
// alignment and the reference within the window [windowStart,
// windowStop] (both in reference coordinates). The difference is the
// total inserted bp minus the total deleted bp falling inside the
// window. Extraction fails when the alignment does not fully span the
// window or contains a CIGAR op we cannot interpret.
func ExtractOffset(cigar sam.Cigar, pos, windowStart, windowStop int) (int, bool) {
	if pos > windowStart {
		return 0, false
	}
	posInRef := pos
	diff := 0
	for _, co := range cigar {
		cLen := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			posInRef += cLen
		case sam.CigarInsertion:
			// An insertion sits between posInRef-1 and posInRef.
			if posInRef > windowStart && posInRef <= windowStop {
				diff += cLen
			}
		case sam.CigarDeletion, sam.CigarSkipped:
			delStart, delEnd := posInRef, posInRef+cLen
			if delStart < windowStart {
				delStart = windowStart
			}
			if delEnd > windowStop+1 {
				delEnd = windowStop + 1
			}
			if delEnd > delStart {
				diff -= delEnd - delStart
			}
			posInRef += cLen
		case sam.CigarSoftClipped, sam.CigarHardClipped, sam.CigarPadded:
			// No reference bases consumed.
		default:
			return 0, false
		}
	}
	if posInRef <= windowStop {
		return 0, false
	}
	return diff, true
}

// windowSequence returns the read bases aligned within [windowStart,
// windowStop], including inserted bases, by walking the CIGAR. It
// fails when the alignment does not fully span the window.
func windowSequence(r *sam.Record, windowStart, windowStop int) (string, bool) {
	if r.Pos > windowStart {
		return "", false
	}
	seq := r.Seq.Expand()
	posInRef := r.Pos
	posInRead := 0
	var buf []byte
	for _, co := range r.Cigar {
		cLen := co.Len()
		switch co.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for k := 0; k < cLen; k++ {
				if posInRef >= windowStart && posInRef <= windowStop {
					buf = append(buf, seq[posInRead])
				}
				posInRef++
				posInRead++
			}
		case sam.CigarInsertion:
			if posInRef > windowStart && posInRef <= windowStop {
				buf = append(buf, seq[posInRead:posInRead+cLen]...)
			}
			posInRead += cLen
		case sam.CigarDeletion, sam.CigarSkipped:
			posInRef += cLen
		case sam.CigarSoftClipped:
			posInRead += cLen
		case sam.CigarHardClipped, sam.CigarPadded:
			// No bases consumed.
		default:
			return "", false
		}
	}
	if posInRef <= windowStop {
		return "", false
	}
	return string(buf), true
}
