package square

import "strings"

// Payment notes round-trip deposit routing data through Square. The note is
// set at payment creation and read back off the webhook delivery, so the
// pipeline does not depend on local state to route a deposit.

// NoteFields is the routing data embedded in a payment note.
type NoteFields struct {
	WalletAddress string
	RiskProfile   string
	Email         string
}

// FormatNote renders routing fields as "wallet:<addr> risk:<profile>
// email:<addr>". Empty fields are omitted.
func FormatNote(f NoteFields) string {
	parts := make([]string, 0, 3)
	if f.WalletAddress != "" {
		parts = append(parts, "wallet:"+f.WalletAddress)
	}
	if f.RiskProfile != "" {
		parts = append(parts, "risk:"+f.RiskProfile)
	}
	if f.Email != "" {
		parts = append(parts, "email:"+f.Email)
	}
	return strings.Join(parts, " ")
}

// ParseNote extracts routing fields from a payment note. Unknown tokens are
// ignored.
func ParseNote(note string) NoteFields {
	var f NoteFields
	for _, token := range strings.Fields(note) {
		switch {
		case strings.HasPrefix(token, "wallet:"):
			f.WalletAddress = strings.TrimPrefix(token, "wallet:")
		case strings.HasPrefix(token, "risk:"):
			f.RiskProfile = strings.TrimPrefix(token, "risk:")
		case strings.HasPrefix(token, "email:"):
			f.Email = strings.TrimPrefix(token, "email:")
		}
	}
	return f
}
