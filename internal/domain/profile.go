// Package domain contains core domain types for the wellness profile service.
package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Gender of the user.
type Gender string

// Gender values.
const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// ActivityLevel of the user.
type ActivityLevel string

// ActivityLevel values.
const (
	ActivitySedentary ActivityLevel = "sedentary"
	ActivityModerate  ActivityLevel = "moderate"
	ActivityActive    ActivityLevel = "active"
)

// DietaryPreference of the user.
type DietaryPreference string

// DietaryPreference values.
const (
	DietVegetarian   DietaryPreference = "vegetarian"
	DietVegan        DietaryPreference = "vegan"
	DietKeto         DietaryPreference = "keto"
	DietPaleo        DietaryPreference = "paleo"
	DietOmnivore     DietaryPreference = "omnivore"
	DietNoPreference DietaryPreference = "no_preference"
)

// SleepQuality of the user.
type SleepQuality string

// SleepQuality values.
const (
	SleepGood    SleepQuality = "good"
	SleepAverage SleepQuality = "average"
	SleepPoor    SleepQuality = "poor"
)

// StressLevel of the user.
type StressLevel string

// StressLevel values.
const (
	StressLow    StressLevel = "low"
	StressMedium StressLevel = "medium"
	StressHigh   StressLevel = "high"
)

// Age and health goal bounds.
const (
	MinAge            = 1
	MaxAge            = 100
	MaxHealthGoalsLen = 100
)

// Field names a profile (and its confidence) tracks, in display order.
const (
	FieldAge               = "age"
	FieldGender            = "gender"
	FieldActivityLevel     = "activityLevel"
	FieldDietaryPreference = "dietaryPreference"
	FieldSleepQuality      = "sleepQuality"
	FieldStressLevel       = "stressLevel"
	FieldHealthGoals       = "healthGoals"
)

// Fields lists every tracked field name.
var Fields = []string{
	FieldAge,
	FieldGender,
	FieldActivityLevel,
	FieldDietaryPreference,
	FieldSleepQuality,
	FieldStressLevel,
	FieldHealthGoals,
}

// ErrInvalidProfile is returned when a profile value is outside its allowed domain.
var ErrInvalidProfile = errors.New("invalid profile")

// Profile is the accumulating wellness record of a session.
// A nil field has not been provided yet.
type Profile struct {
	Age               *int               `json:"age"`
	Gender            *Gender            `json:"gender"`
	ActivityLevel     *ActivityLevel     `json:"activityLevel"`
	DietaryPreference *DietaryPreference `json:"dietaryPreference"`
	SleepQuality      *SleepQuality      `json:"sleepQuality"`
	StressLevel       *StressLevel       `json:"stressLevel"`
	HealthGoals       *string            `json:"healthGoals"`
}

// IsSet reports whether the named field holds a value.
func (p Profile) IsSet(field string) bool {
	switch field {
	case FieldAge:
		return p.Age != nil
	case FieldGender:
		return p.Gender != nil
	case FieldActivityLevel:
		return p.ActivityLevel != nil
	case FieldDietaryPreference:
		return p.DietaryPreference != nil
	case FieldSleepQuality:
		return p.SleepQuality != nil
	case FieldStressLevel:
		return p.StressLevel != nil
	case FieldHealthGoals:
		return p.HealthGoals != nil
	}
	return false
}

// Validate checks ranges, enumerations and lengths of every set field.
func (p Profile) Validate() error {
	if p.Age != nil && (*p.Age < MinAge || *p.Age > MaxAge) {
		return fmt.Errorf("%w: age %d out of range %d-%d", ErrInvalidProfile, *p.Age, MinAge, MaxAge)
	}
	if p.Gender != nil {
		switch *p.Gender {
		case GenderMale, GenderFemale, GenderOther:
		default:
			return fmt.Errorf("%w: gender %q", ErrInvalidProfile, *p.Gender)
		}
	}
	if p.ActivityLevel != nil {
		switch *p.ActivityLevel {
		case ActivitySedentary, ActivityModerate, ActivityActive:
		default:
			return fmt.Errorf("%w: activityLevel %q", ErrInvalidProfile, *p.ActivityLevel)
		}
	}
	if p.DietaryPreference != nil {
		switch *p.DietaryPreference {
		case DietVegetarian, DietVegan, DietKeto, DietPaleo, DietOmnivore, DietNoPreference:
		default:
			return fmt.Errorf("%w: dietaryPreference %q", ErrInvalidProfile, *p.DietaryPreference)
		}
	}
	if p.SleepQuality != nil {
		switch *p.SleepQuality {
		case SleepGood, SleepAverage, SleepPoor:
		default:
			return fmt.Errorf("%w: sleepQuality %q", ErrInvalidProfile, *p.SleepQuality)
		}
	}
	if p.StressLevel != nil {
		switch *p.StressLevel {
		case StressLow, StressMedium, StressHigh:
		default:
			return fmt.Errorf("%w: stressLevel %q", ErrInvalidProfile, *p.StressLevel)
		}
	}
	if p.HealthGoals != nil {
		n := utf8.RuneCountInString(*p.HealthGoals)
		if n < 1 || n > MaxHealthGoalsLen {
			return fmt.Errorf("%w: healthGoals length %d out of range 1-%d", ErrInvalidProfile, n, MaxHealthGoalsLen)
		}
	}
	return nil
}

// MergeProfile overlays the non-nil fields of partial onto existing.
// Neither argument is modified.
func MergeProfile(existing, partial Profile) Profile {
	merged := existing
	if partial.Age != nil {
		merged.Age = Ptr(*partial.Age)
	}
	if partial.Gender != nil {
		merged.Gender = Ptr(*partial.Gender)
	}
	if partial.ActivityLevel != nil {
		merged.ActivityLevel = Ptr(*partial.ActivityLevel)
	}
	if partial.DietaryPreference != nil {
		merged.DietaryPreference = Ptr(*partial.DietaryPreference)
	}
	if partial.SleepQuality != nil {
		merged.SleepQuality = Ptr(*partial.SleepQuality)
	}
	if partial.StressLevel != nil {
		merged.StressLevel = Ptr(*partial.StressLevel)
	}
	if partial.HealthGoals != nil {
		merged.HealthGoals = Ptr(*partial.HealthGoals)
	}
	return merged
}

// IsComplete reports whether every field is set and every confidence is high or medium.
func IsComplete(p Profile, c Confidence) bool {
	for _, field := range Fields {
		if !p.IsSet(field) {
			return false
		}
		switch c.Of(field) {
		case LevelHigh, LevelMedium:
		default:
			return false
		}
	}
	return true
}

// MissingFields returns the fields that keep the profile from being complete,
// either because they are unset or because their confidence is low.
func (p Profile) MissingFields(c Confidence) []string {
	var missing []string
	for _, field := range Fields {
		if !p.IsSet(field) || c.Of(field) == LevelLow {
			missing = append(missing, field)
		}
	}
	return missing
}

// Clone returns a deep copy of the profile.
func (p Profile) Clone() Profile {
	return MergeProfile(Profile{}, p)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
