package policy

import (
	"time"

	"routerguard/internal/models"
)

type trigger struct {
	severity models.Severity
	at       time.Time
}

// Suppressor limits how often the same attack type is reported.
// A type is admitted again only when its severity changes or the cool-down has
// elapsed; a type that stops qualifying is forgotten. It is owned by a single
// worker and is not safe for concurrent use.
type Suppressor struct {
	last map[models.AttackType]trigger
}

// NewSuppressor creates an empty suppressor
func NewSuppressor() *Suppressor {
	return &Suppressor{last: make(map[models.AttackType]trigger)}
}

// Admit filters results down to the ones that should be reported at now
func (s *Suppressor) Admit(results []models.DetectionResult, now time.Time, cooldown time.Duration) []models.DetectionResult {
	seen := make(map[models.AttackType]bool, len(results))
	var admitted []models.DetectionResult

	for _, r := range results {
		if !r.IsAttack() {
			continue
		}
		seen[r.Type] = true
		prev, ok := s.last[r.Type]
		if ok && prev.severity == r.Severity && now.Sub(prev.at) < cooldown {
			continue
		}
		s.last[r.Type] = trigger{severity: r.Severity, at: now}
		admitted = append(admitted, r)
	}

	for t := range s.last {
		if !seen[t] {
			delete(s.last, t)
		}
	}

	return admitted
}

// Reset forgets every trigger
func (s *Suppressor) Reset() {
	clear(s.last)
}
