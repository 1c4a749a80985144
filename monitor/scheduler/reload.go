package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/config"
	"github.com/oamwatch/oamwatch/monitor/observability"
	"github.com/oamwatch/oamwatch/monitor/store"
)

// ApplyReload reacts to a differential configuration reload. It is atomic
// with respect to the loop: an in-flight batch finishes against the old
// state, and the next PopDue sees the updated queue.
func (s *Scheduler) ApplyReload(cfg *config.Config, diff config.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldDefault := s.cfg.DefaultFreqMinutes
	s.cfg = cfg
	now := s.now()

	for _, sp := range diff.Added {
		// The user record wins a conflict; writing the admin store as well
		// would put the code in both stores.
		if _, origin, ok := s.store.GetItem(sp.Code); ok && origin == store.OriginUser {
			s.log.Warn("added code already user-owned, keeping user record",
				zap.String("code", sp.Code))
			continue
		}
		item := s.newItem(cfg, sp, now)
		if err := s.store.UpdateItem(store.OriginAdmin, sp.Code, item); err != nil {
			s.log.Error("seed added code failed", zap.String("code", sp.Code), zap.Error(err))
		}
		s.queue.Push(sp.Code, PriorityImmediate, now)
		s.log.Info("code added", zap.String("code", sp.Code))
	}

	if len(diff.Removed) > 0 {
		removed := make([]string, 0, len(diff.Removed))
		for _, sp := range diff.Removed {
			removed = append(removed, sp.Code)
			s.queue.Remove(sp.Code)
			delete(s.retries, sp.Code)
			s.log.Info("code removed", zap.String("code", sp.Code))
		}
		// User-owned records are never touched by declared-config removals.
		s.store.RemoveAdminItems(removed)
	}

	for _, sp := range diff.Modified {
		s.applyModified(cfg, sp, now)
	}

	if diff.DefaultFreqChanged {
		s.applyDefaultFreqChange(cfg, now, oldDefault)
	}

	observability.ConfigReloads.WithLabelValues("applied").Inc()
	if len(diff.Added) > 0 {
		s.Wake()
	}
	s.updateDepthMetric()
}

// applyModified updates the mutable metadata of an existing item: channel,
// target, frequency, note. Status fields are never written by reloads.
func (s *Scheduler) applyModified(cfg *config.Config, sp config.CodeSpec, now time.Time) {
	item, origin, ok := s.store.GetItem(sp.Code)
	if !ok || origin != store.OriginAdmin {
		return
	}

	freqChanged := cfg.EffectiveFreq(sp) != item.FreqMinutes || (sp.FreqMinutes == nil) != item.UsesDefaultFreq

	item.Channel = sp.Channel
	item.Target = sp.Target
	item.Note = sp.Note
	item.FreqMinutes = cfg.EffectiveFreq(sp)
	item.UsesDefaultFreq = sp.FreqMinutes == nil

	if freqChanged && !item.Status.Terminal() {
		next := s.recomputeNext(item, now)
		item.NextCheck = &next
		s.queue.Reschedule(sp.Code, PriorityNormal, next)
	}
	if err := s.store.UpdateItem(origin, sp.Code, item); err != nil {
		s.log.Error("persist modified code failed", zap.String("code", sp.Code), zap.Error(err))
	}
	s.log.Info("code modified", zap.String("code", sp.Code), zap.Bool("freq_changed", freqChanged))
}

// applyDefaultFreqChange reschedules every item that inherits the global
// default, in both stores.
func (s *Scheduler) applyDefaultFreqChange(cfg *config.Config, now time.Time, oldDefault int) {
	reschedule := func(items map[string]*store.CodeItem, origin store.Origin) {
		for code, item := range items {
			// Legacy user records predating the explicit bit: treat a freq
			// equal to the previous default as inherited.
			usesDefault := item.UsesDefaultFreq || (origin == store.OriginUser && !item.UsesDefaultFreq && item.FreqMinutes == oldDefault)
			if !usesDefault || item.Status.Terminal() {
				continue
			}
			item.FreqMinutes = cfg.DefaultFreqMinutes
			item.UsesDefaultFreq = true
			next := s.recomputeNext(item, now)
			item.NextCheck = &next
			s.queue.Reschedule(code, PriorityNormal, next)
			if err := s.store.UpdateItem(origin, code, item); err != nil {
				s.log.Error("persist default-freq change failed", zap.String("code", code), zap.Error(err))
			}
		}
	}
	reschedule(s.store.AdminItems(), store.OriginAdmin)
	reschedule(s.store.UserItems(), store.OriginUser)
	s.log.Info("default frequency applied", zap.Int("freq_minutes", cfg.DefaultFreqMinutes))
}

// recomputeNext anchors the new cadence on the last check, falling back to
// now for never-checked items.
func (s *Scheduler) recomputeNext(item *store.CodeItem, now time.Time) time.Time {
	freq := time.Duration(item.FreqMinutes) * time.Minute
	if item.LastChecked == nil {
		return now
	}
	next := item.LastChecked.Add(freq)
	if next.Before(now) {
		return now
	}
	return next
}
