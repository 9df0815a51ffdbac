package conversation

import (
	"strings"

	"github.com/ashureev/wellness-profile/internal/domain"
)

// Introduction opens every profiling conversation.
const Introduction = `Hello! I'm your digital wellness assistant, here to help you build a personalized health profile.

To get started, could you please share the following details about yourself:
- Your age
- Your gender
- Your current activity level (sedentary, moderate or active)
- Any dietary preference (e.g. vegetarian, vegan, keto, paleo, omnivore or none)
- How well you usually sleep
- How stressed you feel day to day
- Your main health goal at the moment (e.g. lose weight, reduce stress, build muscle)

You can include as much information as you'd like in your reply. Thank you!`

const (
	msgFallback = "Thank you for the information. Could you please provide any missing details about your wellness profile?"

	msgMaxReplies = "You have hit the max number of replies. Please contact support if you need to continue the conversation."

	msgPendingGeneration = "You have pending generation. Please wait for the response."

	msgUserAnswerFailed = "Sorry, something went wrong while processing your answer. Please try again."
)

var fieldLabels = map[string]string{
	domain.FieldAge:               "age",
	domain.FieldGender:            "gender",
	domain.FieldActivityLevel:     "activity level",
	domain.FieldDietaryPreference: "dietary preference",
	domain.FieldSleepQuality:      "sleep quality",
	domain.FieldStressLevel:       "stress level",
	domain.FieldHealthGoals:       "health goals",
}

func fallbackMessage(missing []string) string {
	if len(missing) == 0 {
		return msgFallback
	}
	labels := make([]string, 0, len(missing))
	for _, f := range missing {
		labels = append(labels, fieldLabels[f])
	}
	return msgFallback + " Still needed: " + strings.Join(labels, ", ") + "."
}
