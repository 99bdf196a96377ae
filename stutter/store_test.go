package stutter

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/strkit/strkit/region"
)

func TestStoreLookupByCoordinates(t *testing.T) {
	s := NewStore()
	reg := region.Region{Chrom: "chr7", Start: 500, Stop: 523, Period: 4}
	m := Default(4)
	s.Add(reg, m)
	assert.Equal(t, 1, s.Len())

	got, ok := s.Lookup(reg)
	assert.True(t, ok)
	assert.Equal(t, m, got)

	// Lookups are structural, not identity-based.
	got, ok = s.Lookup(region.Region{Chrom: "chr7", Start: 500, Stop: 523, Period: 2})
	assert.True(t, ok)
	assert.Equal(t, m, got)

	_, ok = s.Lookup(region.Region{Chrom: "chr7", Start: 500, Stop: 524, Period: 4})
	assert.False(t, ok)
}

func TestModelRoundTrip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tempDir, "models.tsv")

	regA := region.Region{Chrom: "chr4", Start: 100, Stop: 139, Period: 4}
	modelA := &Model{
		Period:      4,
		ProbUp:      0.0437521,
		ProbDown:    0.117724,
		GeomP:       0.8812345678901234,
		OutProbUp:   0.011,
		OutProbDown: 0.0092,
		OutGeomP:    0.31,
	}
	regB := region.Region{Chrom: "chrX", Start: 9000, Stop: 9031, Period: 2}
	modelB := Default(2)

	out, err := os.Create(path)
	assert.NoError(t, err)
	mw := NewModelWriter(out)
	assert.NoError(t, mw.Write(regA, modelA))
	assert.NoError(t, mw.Write(regB, modelB))
	assert.NoError(t, mw.Flush())
	assert.NoError(t, out.Close())

	ctx := vcontext.Background()
	store, err := ReadModels(ctx, path)
	assert.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	gotA, ok := store.Lookup(regA)
	assert.True(t, ok)
	assert.Equal(t, modelA, gotA)
	gotB, ok := store.Lookup(regB)
	assert.True(t, ok)
	assert.Equal(t, modelB, gotB)

	// The loaded model must behave identically, not just compare equal.
	for delta := -9; delta <= 9; delta++ {
		assert.Equal(t, modelA.LogProb(delta), gotA.LogProb(delta), "delta=%d", delta)
	}
}

func TestReadModelsRejectsInvalid(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tempDir, "bad.tsv")

	body := storeHeader + "chr1\t10\t29\t4\t0.9\t0.8\t0.9\t0.01\t0.01\t0.3\n"
	assert.NoError(t, ioutil.WriteFile(path, []byte(body), 0644))

	_, err := ReadModels(vcontext.Background(), path)
	assert.Error(t, err)
}
