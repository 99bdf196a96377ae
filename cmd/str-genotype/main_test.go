package main

import (
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
)

func newTaggedRead(t *testing.T, name string, rgValue interface{}) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	if rgValue != nil {
		aux, err := sam.NewAux(rgTag, rgValue)
		assert.NoError(t, err)
		r.AuxFields = append(r.AuxFields, aux)
	}
	return r
}

func TestRecordRG(t *testing.T) {
	assert.Equal(t, "rg1", recordRG(newTaggedRead(t, "a", "rg1")))
	assert.Equal(t, "", recordRG(newTaggedRead(t, "b", nil)))
	// A non-string RG value is treated like a missing tag.
	assert.Equal(t, "", recordRG(newTaggedRead(t, "c", 7)))
}

func TestLocusReadsGrouping(t *testing.T) {
	lr := newLocusReads([]string{"rg1", "default"})
	assert.NoError(t, lr.add(newTaggedRead(t, "pair", "rg1"), "default"))
	assert.NoError(t, lr.add(newTaggedRead(t, "pair", "rg1"), "default"))
	assert.NoError(t, lr.add(newTaggedRead(t, "solo", nil), "default"))
	assert.NoError(t, lr.add(newTaggedRead(t, "odd", 7), "default"))
	assert.Error(t, lr.add(newTaggedRead(t, "stranger", "rgX"), "default"))
	lr.finish("default")

	assert.Equal(t, 1, len(lr.paired[0]))
	assert.Equal(t, 1, len(lr.mates[0]))
	assert.Empty(t, lr.unpaired[0])
	// Reads with a missing or malformed tag land in the default group.
	assert.Equal(t, 2, len(lr.unpaired[1]))
}
