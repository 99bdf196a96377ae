package genotype

import (
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
)

var testRef, _ = sam.NewReference("chr1", "", "", 1000000, nil, nil)

func newAlignedRead(name string, pos int, seq string, cigar sam.Cigar) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = testRef
	r.Pos = pos
	r.Cigar = cigar
	if seq != "" {
		r.Seq = sam.NewSeq([]byte(seq))
	}
	return r
}

// The test window is [96, 123]: a 20bp repeat tract at [100, 119]
// padded by one period (4) on each side.
const (
	testWindowStart = 96
	testWindowStop  = 123
)

func TestExtractOffset(t *testing.T) {
	tests := []struct {
		name  string
		pos   int
		cigar sam.Cigar
		diff  int
		ok    bool
	}{
		{
			name:  "pure match",
			pos:   90,
			cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 50)},
			diff:  0, ok: true,
		},
		{
			name: "insertion inside window",
			pos:  90,
			cigar: sam.Cigar{
				sam.NewCigarOp(sam.CigarMatch, 20),
				sam.NewCigarOp(sam.CigarInsertion, 4),
				sam.NewCigarOp(sam.CigarMatch, 30),
			},
			diff: 4, ok: true,
		},
		{
			name: "deletion inside window",
			pos:  90,
			cigar: sam.Cigar{
				sam.NewCigarOp(sam.CigarMatch, 20),
				sam.NewCigarOp(sam.CigarDeletion, 6),
				sam.NewCigarOp(sam.CigarMatch, 30),
			},
			diff: -6, ok: true,
		},
		{
			// Deletion covers [92, 102); only the bases inside the
			// window count.
			name: "deletion straddling window start",
			pos:  90,
			cigar: sam.Cigar{
				sam.NewCigarOp(sam.CigarMatch, 2),
				sam.NewCigarOp(sam.CigarDeletion, 10),
				sam.NewCigarOp(sam.CigarMatch, 40),
			},
			diff: -6, ok: true,
		},
		{
			// An insertion landing exactly at the window start sits
			// before the first window base and does not count.
			name: "insertion at window start",
			pos:  90,
			cigar: sam.Cigar{
				sam.NewCigarOp(sam.CigarMatch, 6),
				sam.NewCigarOp(sam.CigarInsertion, 3),
				sam.NewCigarOp(sam.CigarMatch, 40),
			},
			diff: 0, ok: true,
		},
		{
			name: "insertion one base into window",
			pos:  90,
			cigar: sam.Cigar{
				sam.NewCigarOp(sam.CigarMatch, 7),
				sam.NewCigarOp(sam.CigarInsertion, 3),
				sam.NewCigarOp(sam.CigarMatch, 40),
			},
			diff: 3, ok: true,
		},
		{
			name: "soft clips ignored",
			pos:  90,
			cigar: sam.Cigar{
				sam.NewCigarOp(sam.CigarSoftClipped, 5),
				sam.NewCigarOp(sam.CigarMatch, 40),
				sam.NewCigarOp(sam.CigarSoftClipped, 5),
			},
			diff: 0, ok: true,
		},
		{
			name:  "starts after window start",
			pos:   100,
			cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 50)},
			ok:    false,
		},
		{
			name:  "ends before window stop",
			pos:   90,
			cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 20)},
			ok:    false,
		},
		{
			name:  "ends exactly at window stop",
			pos:   90,
			cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 33)},
			ok:    false,
		},
		{
			name: "unsupported op",
			pos:  90,
			cigar: sam.Cigar{
				sam.NewCigarOp(sam.CigarMatch, 20),
				sam.NewCigarOp(sam.CigarBack, 2),
				sam.NewCigarOp(sam.CigarMatch, 30),
			},
			ok: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			diff, ok := ExtractOffset(test.cigar, test.pos, testWindowStart, testWindowStop)
			assert.Equal(t, test.ok, ok)
			if test.ok {
				assert.Equal(t, test.diff, diff)
			}
		})
	}
}

func TestWindowSequence(t *testing.T) {
	// 40 bases; read offsets map directly to reference positions when
	// aligned without indels.
	const bases = "AACCGGTTAACCGGTTAACCGGTTAACCGGTTAACCGGTT"

	t.Run("exact window", func(t *testing.T) {
		r := newAlignedRead("r", testWindowStart, bases[:28],
			sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 28)})
		seq, ok := windowSequence(r, testWindowStart, testWindowStop)
		assert.True(t, ok)
		assert.Equal(t, bases[:28], seq)
	})

	t.Run("flanking bases trimmed", func(t *testing.T) {
		r := newAlignedRead("r", 90, bases,
			sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 40)})
		seq, ok := windowSequence(r, testWindowStart, testWindowStop)
		assert.True(t, ok)
		assert.Equal(t, bases[6:34], seq)
	})

	t.Run("insertion kept", func(t *testing.T) {
		r := newAlignedRead("r", testWindowStart, bases[:30], sam.Cigar{
			sam.NewCigarOp(sam.CigarMatch, 10),
			sam.NewCigarOp(sam.CigarInsertion, 2),
			sam.NewCigarOp(sam.CigarMatch, 18),
		})
		seq, ok := windowSequence(r, testWindowStart, testWindowStop)
		assert.True(t, ok)
		assert.Equal(t, bases[:30], seq)
	})

	t.Run("deletion shortens window sequence", func(t *testing.T) {
		r := newAlignedRead("r", testWindowStart, bases[:28], sam.Cigar{
			sam.NewCigarOp(sam.CigarMatch, 10),
			sam.NewCigarOp(sam.CigarDeletion, 3),
			sam.NewCigarOp(sam.CigarMatch, 18),
		})
		seq, ok := windowSequence(r, testWindowStart, testWindowStop)
		assert.True(t, ok)
		// 10 matched bases, then 15 of the remaining 18 fall inside
		// the window (reference positions 109..123).
		assert.Equal(t, bases[:25], seq)
	})

	t.Run("soft clip skipped", func(t *testing.T) {
		r := newAlignedRead("r", testWindowStart, bases[:32], sam.Cigar{
			sam.NewCigarOp(sam.CigarSoftClipped, 4),
			sam.NewCigarOp(sam.CigarMatch, 28),
		})
		seq, ok := windowSequence(r, testWindowStart, testWindowStop)
		assert.True(t, ok)
		assert.Equal(t, bases[4:32], seq)
	})

	t.Run("non-spanning read fails", func(t *testing.T) {
		r := newAlignedRead("r", testWindowStart, bases[:20],
			sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 20)})
		_, ok := windowSequence(r, testWindowStart, testWindowStop)
		assert.False(t, ok)
	})
}
