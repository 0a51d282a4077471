package conversation

// BuildWindow assembles the context sent to the model: one system message
// followed by the last maxHistory log entries, oldest first. The pending
// user message is appended by the caller.
func BuildWindow(log []Message, systemPrompt string, maxHistory int) []Message {
	if maxHistory < 0 {
		maxHistory = 0
	}
	start := len(log) - maxHistory
	if start < 0 {
		start = 0
	}

	window := make([]Message, 0, len(log)-start+2)
	window = append(window, Message{Role: RoleSystem, Content: systemPrompt})
	for _, m := range log[start:] {
		window = append(window, Message{Role: NormalizeRole(m.Role), Content: m.Content})
	}
	return window
}
