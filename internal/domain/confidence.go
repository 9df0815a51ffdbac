package domain

import "fmt"

// Level is the certainty attached to a profile field.
type Level string

// Level values.
const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelHigh, LevelMedium, LevelLow:
		return true
	}
	return false
}

// Confidence holds one level per profile field.
// A nil level means the field was never addressed; its effective level is low.
type Confidence struct {
	Age               *Level `json:"age"`
	Gender            *Level `json:"gender"`
	ActivityLevel     *Level `json:"activityLevel"`
	DietaryPreference *Level `json:"dietaryPreference"`
	SleepQuality      *Level `json:"sleepQuality"`
	StressLevel       *Level `json:"stressLevel"`
	HealthGoals       *Level `json:"healthGoals"`
}

func (c *Confidence) slot(field string) **Level {
	switch field {
	case FieldAge:
		return &c.Age
	case FieldGender:
		return &c.Gender
	case FieldActivityLevel:
		return &c.ActivityLevel
	case FieldDietaryPreference:
		return &c.DietaryPreference
	case FieldSleepQuality:
		return &c.SleepQuality
	case FieldStressLevel:
		return &c.StressLevel
	case FieldHealthGoals:
		return &c.HealthGoals
	}
	return nil
}

// Addressed reports whether a level was ever recorded for the field.
func (c Confidence) Addressed(field string) bool {
	s := c.slot(field)
	return s != nil && *s != nil
}

// Of returns the effective level of a field, defaulting to low.
func (c Confidence) Of(field string) Level {
	s := c.slot(field)
	if s == nil || *s == nil {
		return LevelLow
	}
	return **s
}

// Set records a level for the field. Unknown field names are ignored.
func (c *Confidence) Set(field string, l Level) {
	if s := c.slot(field); s != nil {
		*s = Ptr(l)
	}
}

// Effective returns every field's level with unaddressed fields reported as low.
func (c Confidence) Effective() map[string]Level {
	out := make(map[string]Level, len(Fields))
	for _, field := range Fields {
		out[field] = c.Of(field)
	}
	return out
}

// Validate rejects unknown levels.
func (c Confidence) Validate() error {
	for _, field := range Fields {
		s := c.slot(field)
		if *s != nil && !(**s).Valid() {
			return fmt.Errorf("%w: confidence for %s %q", ErrInvalidProfile, field, **s)
		}
	}
	return nil
}

// MergeConfidence overlays the addressed levels of partial onto existing.
func MergeConfidence(existing, partial Confidence) Confidence {
	merged := existing
	for _, field := range Fields {
		if partial.Addressed(field) {
			merged.Set(field, partial.Of(field))
		}
	}
	return merged
}

// HasPendingClarification reports whether any field was explicitly rated low.
// Fields that were never addressed do not count.
func HasPendingClarification(c Confidence) bool {
	for _, field := range Fields {
		if c.Addressed(field) && c.Of(field) == LevelLow {
			return true
		}
	}
	return false
}

// Reconcile returns a copy of partial confidence where every field set in the
// partial profile has a level. Values without a reported level are recorded as low.
func Reconcile(partial Profile, c Confidence) Confidence {
	out := MergeConfidence(Confidence{}, c)
	for _, field := range Fields {
		if partial.IsSet(field) && !out.Addressed(field) {
			out.Set(field, LevelLow)
		}
	}
	return out
}
