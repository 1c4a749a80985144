package store

import (
	"sort"
	"time"

	"github.com/oamwatch/oamwatch/monitor/config"
)

// MergedEntry is one code in the merged projection consumed by the scheduler
// and the HTTP layer.
type MergedEntry struct {
	Origin Origin
	Spec   config.CodeSpec
	// Item is nil for declared specs that have not been observed yet.
	Item *CodeItem
}

// Merged builds the merged view: every declared spec as an admin entry, every
// user record as a user entry with a spec synthesised from the stored item.
func (m *Manager) Merged(specs []config.CodeSpec) []MergedEntry {
	admin := m.AdminItems()
	users := m.UserItems()

	out := make([]MergedEntry, 0, len(specs)+len(users))
	for _, sp := range specs {
		out = append(out, MergedEntry{
			Origin: OriginAdmin,
			Spec:   sp,
			Item:   admin[sp.Code],
		})
	}

	userCodes := make([]string, 0, len(users))
	for c := range users {
		userCodes = append(userCodes, c)
	}
	sort.Strings(userCodes)
	for _, c := range userCodes {
		it := users[c]
		out = append(out, MergedEntry{
			Origin: OriginUser,
			Spec:   synthesiseSpec(it),
			Item:   it,
		})
	}
	return out
}

func synthesiseSpec(it *CodeItem) config.CodeSpec {
	sp := config.CodeSpec{
		Code:    it.Code,
		Channel: it.Channel,
		Target:  it.Target,
		Note:    it.Note,
	}
	if !it.UsesDefaultFreq && it.FreqMinutes > 0 {
		freq := it.FreqMinutes
		sp.FreqMinutes = &freq
	}
	return sp
}

// PublicItem is the sensitive-field-stripped projection served to
// unauthenticated readers: no targets, no owners, no notes.
type PublicItem struct {
	Code        string     `json:"code"`
	Status      Status     `json:"status"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	LastChanged *time.Time `json:"last_changed,omitempty"`
	NextCheck   *time.Time `json:"next_check,omitempty"`
}

// PublicItems returns the merged item set stripped of sensitive fields,
// sorted by code for stable output.
func (m *Manager) PublicItems(specs []config.CodeSpec) []PublicItem {
	var out []PublicItem
	for _, e := range m.Merged(specs) {
		if e.Item == nil {
			out = append(out, PublicItem{Code: e.Spec.Code, Status: StatusPending})
			continue
		}
		out = append(out, PublicItem{
			Code:        e.Item.Code,
			Status:      e.Item.Status,
			LastChecked: e.Item.LastChecked,
			LastChanged: e.Item.LastChanged,
			NextCheck:   e.Item.NextCheck,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
