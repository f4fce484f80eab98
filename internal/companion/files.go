package companion

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wuwenbin0122/aidanna/internal/apperror"
)

const (
	MaxAttachmentBytes = 10 << 20
	MaxAttachments     = 5
)

var allowedExtensions = map[string]struct{}{
	"pdf":  {},
	"txt":  {},
	"doc":  {},
	"docx": {},
}

// Attachment is a client-extracted document sent alongside a prompt.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Text string `json:"text"`
}

// ValidateAttachments rejects the whole batch if any file fails the extension or size checks.
func ValidateAttachments(files []Attachment) error {
	if len(files) > MaxAttachments {
		return apperror.InvalidInput(fmt.Sprintf("too many files: at most %d attachments are allowed", MaxAttachments))
	}

	for _, file := range files {
		name := strings.TrimSpace(file.Name)
		if name == "" {
			return apperror.InvalidInput("file name is required")
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		if _, ok := allowedExtensions[ext]; !ok {
			return apperror.InvalidInput(fmt.Sprintf("file %q has an unsupported type; allowed: pdf, txt, doc, docx", name))
		}

		if file.Size < 0 {
			return apperror.InvalidInput(fmt.Sprintf("file %q has an invalid size", name))
		}
		if file.Size > MaxAttachmentBytes || len(file.Text) > MaxAttachmentBytes {
			return apperror.InvalidInput(fmt.Sprintf("file %q exceeds the 10MB limit", name))
		}
	}

	return nil
}

// renderUserMessage appends validated attachment text to the prompt.
func renderUserMessage(prompt string, files []Attachment) string {
	if len(files) == 0 {
		return prompt
	}

	var builder strings.Builder
	builder.WriteString(prompt)
	for _, file := range files {
		text := strings.TrimSpace(file.Text)
		if text == "" {
			continue
		}
		builder.WriteString("\n\nAttached file ")
		builder.WriteString(fmt.Sprintf("%q", strings.TrimSpace(file.Name)))
		builder.WriteString(":\n")
		builder.WriteString(text)
	}
	return builder.String()
}
