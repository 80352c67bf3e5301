package a2a

// CreateTextMessage builds a single-part text message with the given role.
func CreateTextMessage(role MessageRole, text string) Message {
	return Message{
		Role:  role,
		Parts: []Part{{Type: PartTypeText, Text: text}},
	}
}

// CreateUserMessage creates a user message with text content.
func CreateUserMessage(text string) Message {
	return CreateTextMessage(MessageRoleUser, text)
}

// ExtractTextFromMessage returns the first text part found in msg, or the
// empty string if it has none.
func ExtractTextFromMessage(msg Message) string {
	for _, part := range msg.Parts {
		if part.Type == PartTypeText {
			return part.Text
		}
	}
	return ""
}
