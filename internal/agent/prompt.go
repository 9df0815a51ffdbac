package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/wellness-profile/internal/domain"
)

// historyWindow bounds how many prior messages are sent to the model.
const historyWindow = 20

const systemPrompt = `You are a wellness assistant. Extract wellness profile fields ONLY from information explicitly mentioned by the user. Do NOT infer or guess missing information.

Fields:
- age: integer between 1 and 100 (only if explicitly stated)
- gender: male, female, or other (only if explicitly stated)
- activityLevel: sedentary, moderate, or active (only if explicitly stated)
- dietaryPreference: vegetarian, vegan, keto, paleo, omnivore, or no_preference (only if explicitly stated)
- sleepQuality: good, average, or poor (only if explicitly stated)
- stressLevel: low, medium, or high (only if explicitly stated)
- healthGoals: brief free text, at most 100 characters (only if explicitly stated)

Set every field that is NOT explicitly mentioned in the latest user reply to null.

Confidence:
- For every extracted field assign high, medium or low.
- high: stated explicitly and clearly. medium: mentioned but somewhat ambiguous. low: vague, implied or uncertain.
- Fields that were not extracted get a null confidence.

Follow-up question:
- If ANY extracted field has medium or low confidence you MUST write one follow-up question that asks about ALL such fields, most important first.
- Otherwise set followUpQuestion to null.

Respond with ONLY a single JSON object of this shape, with no prose or markdown:
{"wellnessProfile": {"age": null, "gender": null, "activityLevel": null, "dietaryPreference": null, "sleepQuality": null, "stressLevel": null, "healthGoals": null},
 "confidence": {"age": null, "gender": null, "activityLevel": null, "dietaryPreference": null, "sleepQuality": null, "stressLevel": null, "healthGoals": null},
 "followUpQuestion": null}`

// PromptMessage is one role-tagged message sent to a model backend.
type PromptMessage struct {
	Role    string
	Content string
}

// BuildPrompt assembles the system prompt, the recent conversation and the
// latest user reply. When history already ends with userText it is not
// repeated.
func BuildPrompt(userText string, history []domain.Message) []PromptMessage {
	recent := domain.RecentMessages(trimLatest(history, userText), historyWindow)

	messages := make([]PromptMessage, 0, len(recent)+2)
	messages = append(messages, PromptMessage{Role: "system", Content: systemPrompt})
	for _, m := range recent {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, PromptMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, PromptMessage{
		Role:    "user",
		Content: fmt.Sprintf("User reply: %q", userText),
	})
	return messages
}

func trimLatest(history []domain.Message, userText string) []domain.Message {
	if n := len(history); n > 0 && history[n-1].Role == domain.RoleUser && history[n-1].Content == userText {
		return history[:n-1]
	}
	return history
}
