package mcp

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/elee1766/threadloom/src/thread"
)

// UnsupportedAudioText replaces audio that is not mp3 or wav
const UnsupportedAudioText = "[Audio content not supported]"

// UnsupportedContentText replaces content kinds with no thread equivalent
const UnsupportedContentText = "[Content type not supported]"

// ContentParts converts MCP content into thread content parts. It never
// fails: anything without a mapping becomes a text placeholder and is logged.
func ContentParts(logger *slog.Logger, items []sdk.Content) []thread.ContentPart {
	parts := make([]thread.ContentPart, 0, len(items))
	for _, item := range items {
		parts = append(parts, ContentPart(logger, item))
	}
	return parts
}

// ContentPart converts a single MCP content item
func ContentPart(logger *slog.Logger, item sdk.Content) thread.ContentPart {
	if logger == nil {
		logger = slog.Default()
	}
	switch v := item.(type) {
	case *sdk.TextContent:
		return thread.TextPart(v.Text)
	case *sdk.ImageContent:
		return thread.ImagePart(DataURL(v.MIMEType, v.Data))
	case *sdk.AudioContent:
		format, ok := AudioFormat(v.MIMEType, v.Data)
		if !ok {
			logger.Warn("unsupported audio format, substituting placeholder", "type", "audio", "mime", v.MIMEType)
			return thread.TextPart(UnsupportedAudioText)
		}
		return thread.AudioPart(base64.StdEncoding.EncodeToString(v.Data), format)
	case *sdk.EmbeddedResource:
		if v.Resource == nil {
			break
		}
		r := thread.Resource{URI: v.Resource.URI, MIMEType: v.Resource.MIMEType, Text: v.Resource.Text}
		if len(v.Resource.Blob) > 0 {
			r.Blob = base64.StdEncoding.EncodeToString(v.Resource.Blob)
		}
		return thread.ResourcePart(r)
	case *sdk.ResourceLink:
		return thread.ResourcePart(thread.Resource{URI: v.URI, MIMEType: v.MIMEType})
	}
	logger.Warn("unsupported content, substituting placeholder", "type", fmt.Sprintf("%T", item))
	return thread.TextPart(UnsupportedContentText)
}

// DataURL encodes data as a base64 data URL
func DataURL(mime string, data []byte) string {
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// AudioFormat resolves a MIME type (or, when empty, the sniffed payload) to
// "mp3" or "wav". Any other audio reports false.
func AudioFormat(mime string, data []byte) (string, bool) {
	var m *mimetype.MIME
	if mime = strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]); mime != "" {
		m = mimetype.Lookup(strings.ToLower(mime))
	} else if len(data) > 0 {
		m = mimetype.Detect(data)
	}
	if m == nil {
		return "", false
	}
	switch {
	case m.Is("audio/mpeg"):
		return "mp3", true
	case m.Is("audio/wav"):
		return "wav", true
	}
	return "", false
}
