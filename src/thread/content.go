package thread

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentType is the tag of a ContentPart
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentImageURL   ContentType = "image_url"
	ContentInputAudio ContentType = "input_audio"
	ContentResource   ContentType = "resource"
)

// ImageURL carries an image reference, usually a base64 data URL
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// InputAudio carries base64 audio in one of the supported formats
type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// Resource is an embedded MCP resource
type Resource struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ContentPart is a closed sum type: exactly one payload field is set and it
// matches Type.
type ContentPart struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   *ImageURL   `json:"image_url,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
	Resource   *Resource   `json:"resource,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: ContentText, Text: text}
}

func ImagePart(url string) ContentPart {
	return ContentPart{Type: ContentImageURL, ImageURL: &ImageURL{URL: url}}
}

func AudioPart(data, format string) ContentPart {
	return ContentPart{Type: ContentInputAudio, InputAudio: &InputAudio{Data: data, Format: format}}
}

func ResourcePart(r Resource) ContentPart {
	return ContentPart{Type: ContentResource, Resource: &r}
}

// Validate checks that the payload matches the tag
func (p ContentPart) Validate() error {
	switch p.Type {
	case ContentText:
		return nil
	case ContentImageURL:
		if p.ImageURL == nil {
			return fmt.Errorf("content part %q missing image_url", p.Type)
		}
	case ContentInputAudio:
		if p.InputAudio == nil {
			return fmt.Errorf("content part %q missing input_audio", p.Type)
		}
	case ContentResource:
		if p.Resource == nil {
			return fmt.Errorf("content part %q missing resource", p.Type)
		}
	default:
		return fmt.Errorf("unknown content part type %q", p.Type)
	}
	return nil
}

// UnmarshalJSON rejects unknown tags so stored content stays closed
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	type plain ContentPart
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	cp := ContentPart(v)
	if err := cp.Validate(); err != nil {
		return err
	}
	*p = cp
	return nil
}

// JoinText concatenates the text parts, separated by newlines
func JoinText(parts []ContentPart) string {
	var texts []string
	for _, p := range parts {
		if p.Type == ContentText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
