package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// FileRef points at an attachment included with a user message.
type FileRef struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// UserContent is the body of a user message: the typed text plus the
// toggles that shape the next generation.
type UserContent struct {
	Text   string    `json:"text"`
	Files  []FileRef `json:"files,omitempty"`
	Search bool      `json:"search,omitempty"`
	Think  bool      `json:"think,omitempty"`
}

// ParseUserContent decodes a user message content column. Bare text that
// is not a JSON object is accepted as-is.
func ParseUserContent(content string) (*UserContent, error) {
	if content == "" {
		return &UserContent{}, nil
	}
	uc := &UserContent{}
	if err := json.Unmarshal([]byte(content), uc); err != nil {
		if json.Valid([]byte(content)) {
			return nil, errors.Wrap(err, "failed to unmarshal user content")
		}
		return &UserContent{Text: content}, nil
	}
	return uc, nil
}

func (c *UserContent) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal user content")
	}
	return string(raw), nil
}
