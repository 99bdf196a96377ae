package stutter

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"

	"github.com/strkit/strkit/region"
)

// Store is a read-only dictionary of stutter models keyed by locus
// coordinates. It is populated once before any locus processing
// starts; per-locus lookups need no locking.
type Store struct {
	models map[region.Key]*Model
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{models: make(map[region.Key]*Model)}
}

// Add registers a model for a region, replacing any previous entry.
func (s *Store) Add(r region.Region, m *Model) {
	s.models[r.Key()] = m
}

// Lookup returns the model trained for the region's coordinates. The
// caller must Copy() the result before mutating or handing it to a
// genotyper.
func (s *Store) Lookup(r region.Region) (*Model, bool) {
	m, ok := s.models[r.Key()]
	return m, ok
}

// Len returns the number of models in the store.
func (s *Store) Len() int {
	return len(s.models)
}

// storeHeader is the column header shared by ModelWriter and
// ReadModels. Field names match the row struct below.
const storeHeader = "Chrom\tStart\tStop\tPeriod\tProbUp\tProbDown\tGeomP\tOutProbUp\tOutProbDown\tOutGeomP\n"

type storeRow struct {
	Chrom       string
	Start       int
	Stop        int
	Period      int
	ProbUp      float64
	ProbDown    float64
	GeomP       float64
	OutProbUp   float64
	OutProbDown float64
	OutGeomP    float64
}

// ModelWriter appends stutter models to a TSV stream, one locus per
// line. Floats are formatted so that a read-back model is bit-for-bit
// identical to the written one.
type ModelWriter struct {
	w          *tsv.Writer
	wroteError error
}

// NewModelWriter wraps w and writes the column header.
func NewModelWriter(w io.Writer) *ModelWriter {
	mw := &ModelWriter{w: tsv.NewWriter(w)}
	mw.w.WriteString(storeHeader[:len(storeHeader)-1])
	mw.wroteError = mw.w.EndLine()
	return mw
}

// Write appends one model line for the given region.
func (mw *ModelWriter) Write(r region.Region, m *Model) error {
	if mw.wroteError != nil {
		return mw.wroteError
	}
	mw.w.WriteString(r.Chrom)
	mw.w.WriteString(strconv.Itoa(r.Start))
	mw.w.WriteString(strconv.Itoa(r.Stop))
	mw.w.WriteString(strconv.Itoa(m.Period))
	for _, v := range []float64{m.ProbUp, m.ProbDown, m.GeomP, m.OutProbUp, m.OutProbDown, m.OutGeomP} {
		mw.w.WriteString(strconv.FormatFloat(v, 'g', 17, 64))
	}
	return mw.w.EndLine()
}

// Flush flushes buffered lines to the underlying writer.
func (mw *ModelWriter) Flush() error {
	return mw.w.Flush()
}

// ReadModels loads a persisted model store written by ModelWriter.
func ReadModels(ctx context.Context, path string) (*Store, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	r.RequireParseAllColumns = true

	store := NewStore()
	var row storeRow
	nLine := 0
	for {
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(err, fmt.Sprintf("read stutter models %s: line %d", path, nLine))
		}
		nLine++
		m := &Model{
			Period:      row.Period,
			ProbUp:      row.ProbUp,
			ProbDown:    row.ProbDown,
			GeomP:       row.GeomP,
			OutProbUp:   row.OutProbUp,
			OutProbDown: row.OutProbDown,
			OutGeomP:    row.OutGeomP,
		}
		if !m.valid() {
			return nil, fmt.Errorf("%s:%d: invalid stutter model %s", path, nLine, m)
		}
		store.Add(region.Region{Chrom: row.Chrom, Start: row.Start, Stop: row.Stop, Period: row.Period}, m)
	}
	return store, nil
}
