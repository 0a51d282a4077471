package conversation

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ComposeUserMessage folds base64-encoded text attachments into the user
// message. A file that cannot be decoded is annotated in place so the rest
// of the turn still goes through.
func ComposeUserMessage(text string, files []string) string {
	if len(files) == 0 {
		return text
	}

	var combined strings.Builder
	for i, encoded := range files {
		combined.WriteString("\n\n")
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			fmt.Fprintf(&combined, "[file %d could not be processed: %v]", i+1, err)
			continue
		}
		if !utf8.Valid(raw) {
			fmt.Fprintf(&combined, "[file %d could not be processed: not utf-8 text]", i+1)
			continue
		}
		combined.Write(raw)
	}
	return fmt.Sprintf("%s:\n\n%s", text, strings.TrimSpace(combined.String()))
}
