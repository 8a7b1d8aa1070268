package responder

// replies.go holds the canned provider replies.  Keeping them in one place
// makes them easy to tweak without touching the scheduling code.

import (
	"encoding/json"

	"carelink/internal/ledger"
	"carelink/pkg"

	"github.com/shopspring/decimal"
)

const (
	// WelcomeReply accompanies the starter diet plan sent after a patient's
	// first message.
	WelcomeReply = "Welcome! I've received your message. Here is a starting diet plan for you based on your profile. Please review it."

	// AcknowledgeReply is sent for every later patient message.
	AcknowledgeReply = "Thanks for the update. I'm reviewing your message and will get back to you shortly."
)

// StarterDietPlan is the plan attached to the welcome reply.
func StarterDietPlan() pkg.DietPlan {
	item := func(id int64, name, prakriti, rasa string, calories, protein string) pkg.FoodItem {
		return pkg.FoodItem{
			ID:       id,
			Name:     name,
			Prakriti: prakriti,
			Rasa:     rasa,
			Calories: decimal.RequireFromString(calories),
			Protein:  decimal.RequireFromString(protein),
		}
	}
	return pkg.DietPlan{
		TotalCalories: decimal.NewFromInt(1850),
		TotalProtein:  decimal.RequireFromString("95.5"),
		Meals: map[string][]pkg.FoodItem{
			"Breakfast": {
				item(14, "Oats with berries", "Kapha", "Sweet", "300", "10"),
				item(8, "Handful of Almonds", "Vata", "Sweet", "164", "6"),
			},
			"Lunch": {
				item(3, "Basmati Rice", "Tridoshic", "Sweet", "205", "4.3"),
				item(15, "Mung Daal", "Tridoshic", "Astringent, Sweet", "212", "14"),
			},
			"Dinner": {
				item(5, "Sautéed Spinach", "Pitta", "Bitter, Astringent", "100", "5"),
				item(6, "Grilled Chicken Breast", "Vata", "Sweet", "165", "31"),
			},
			"Snacks": {
				item(1, "Apple", "Vata", "Sweet, Astringent", "95", "0.5"),
			},
		},
	}
}

// ChooseReply picks the provider reply for a ledger as it looked right after
// the patient's message was appended.  The first patient message earns the
// starter diet plan; anything later gets a plain acknowledgement.
func ChooseReply(ledgerAtAppend []pkg.ChatMessage) pkg.ChatMessage {
	if ledger.CountBySender(ledgerAtAppend, pkg.SenderPatient) <= 1 {
		data, err := json.Marshal(StarterDietPlan())
		if err == nil {
			return pkg.ChatMessage{
				Sender: pkg.SenderProvider,
				Type:   pkg.MessageDiet,
				Text:   WelcomeReply,
				Data:   data,
			}
		}
	}
	return pkg.ChatMessage{
		Sender: pkg.SenderProvider,
		Type:   pkg.MessageText,
		Text:   AcknowledgeReply,
	}
}
