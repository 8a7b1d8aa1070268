package resolver

import (
	"carelink/pkg"
)

// Preview condenses a patient's ledger into the provider's thread list
// entry.  The last message shown is the newest one that is not a loading
// placeholder.
func Preview(p pkg.Patient, ledger []pkg.ChatMessage) pkg.ThreadPreview {
	tp := pkg.ThreadPreview{Patient: p, Messages: copyMessages(ledger)}
	for i := len(ledger) - 1; i >= 0; i-- {
		if ledger[i].IsLoading {
			continue
		}
		tp.LastMessage = previewText(ledger[i])
		tp.LastMessageID = ledger[i].ID
		break
	}
	for _, m := range ledger {
		if m.Sender == pkg.SenderPatient && !m.IsLoading {
			tp.PatientMessages++
		}
	}
	return tp
}

func previewText(m pkg.ChatMessage) string {
	if m.Text != "" {
		return m.Text
	}
	switch m.Type {
	case pkg.MessageImage:
		return "Image"
	case pkg.MessageDocument:
		return "Document"
	case pkg.MessagePrescription:
		return "Prescription"
	case pkg.MessageDiet:
		return "Diet plan"
	}
	return ""
}
