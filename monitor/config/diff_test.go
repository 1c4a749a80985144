package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/oamwatch/oamwatch/monitor/codes"
)

func spec(code, channel, target string, freq *int) CodeSpec {
	return CodeSpec{Code: code, QueryType: codes.QueryPrimary, Channel: channel, Target: target, FreqMinutes: freq}
}

func cfgWith(defaultFreq int, specs ...CodeSpec) *Config {
	c := Default()
	c.DefaultFreqMinutes = defaultFreq
	c.Specs = specs
	return c
}

func TestComputeNoChange(t *testing.T) {
	a := spec("PEKI202508190001", "email", "a@example.com", nil)
	d := Compute(cfgWith(60, a), cfgWith(60, a))
	assert.True(t, d.Empty())
}

func TestComputeAddRemoveModify(t *testing.T) {
	thirty := 30
	a := spec("PEKI202508190001", "email", "a@example.com", nil)
	b := spec("PEKI202508190002", "none", "", nil)
	bMod := spec("PEKI202508190002", "email", "b@example.com", &thirty)
	c := spec("PEKI202508190003", "none", "", nil)

	d := Compute(cfgWith(60, a, b), cfgWith(60, bMod, c))

	if diff := cmp.Diff([]CodeSpec{c}, d.Added); diff != "" {
		t.Errorf("Added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]CodeSpec{a}, d.Removed); diff != "" {
		t.Errorf("Removed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]CodeSpec{bMod}, d.Modified); diff != "" {
		t.Errorf("Modified mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, d.DefaultFreqChanged)
	assert.False(t, d.Empty())
}

func TestComputeDefaultFreqChange(t *testing.T) {
	a := spec("PEKI202508190001", "none", "", nil)
	d := Compute(cfgWith(60, a), cfgWith(30, a))
	assert.True(t, d.DefaultFreqChanged)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Modified)
	assert.False(t, d.Empty())
}

func TestSpecChangedFreqPointer(t *testing.T) {
	ten, twenty := 10, 20
	base := spec("PEKI202508190001", "none", "", nil)

	withTen := base
	withTen.FreqMinutes = &ten
	withTwenty := base
	withTwenty.FreqMinutes = &twenty
	withTenAgain := base
	withTenAgain.FreqMinutes = &ten

	assert.True(t, specChanged(base, withTen))
	assert.True(t, specChanged(withTen, withTwenty))
	assert.False(t, specChanged(withTen, withTenAgain))

	noted := base
	noted.Note = "urgent"
	assert.True(t, specChanged(base, noted))
}
