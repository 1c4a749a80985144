package config

// Diff is the result of comparing two declared configurations.
type Diff struct {
	Added    []CodeSpec
	Removed  []CodeSpec
	Modified []CodeSpec
	// DefaultFreqChanged means every spec with a nil FreqMinutes must be
	// rescheduled against the new default.
	DefaultFreqChanged bool
}

// Empty reports a no-op reload.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 && !d.DefaultFreqChanged
}

// Compute diffs the declared spec sets of old and new.
func Compute(old, new *Config) Diff {
	var d Diff
	oldByCode := old.SpecByCode()
	newByCode := new.SpecByCode()

	for _, sp := range new.Specs {
		prev, ok := oldByCode[sp.Code]
		if !ok {
			d.Added = append(d.Added, sp)
			continue
		}
		if specChanged(prev, sp) {
			d.Modified = append(d.Modified, sp)
		}
	}
	for _, sp := range old.Specs {
		if _, ok := newByCode[sp.Code]; !ok {
			d.Removed = append(d.Removed, sp)
		}
	}
	d.DefaultFreqChanged = old.DefaultFreqMinutes != new.DefaultFreqMinutes
	return d
}

// specChanged compares only the mutable metadata: channel, target, frequency,
// note. Status fields are never part of the declared spec.
func specChanged(a, b CodeSpec) bool {
	if a.Channel != b.Channel || a.Target != b.Target || a.Note != b.Note {
		return true
	}
	switch {
	case a.FreqMinutes == nil && b.FreqMinutes == nil:
		return false
	case a.FreqMinutes == nil || b.FreqMinutes == nil:
		return true
	default:
		return *a.FreqMinutes != *b.FreqMinutes
	}
}
