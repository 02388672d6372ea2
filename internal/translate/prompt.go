package translate

import (
	"strings"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/claudeacp/claudeacp/internal/common/logger"
)

// PromptText renders client prompt content into the CLI's text input.
// Text passes through, embedded resources become context tags, resource
// links become markdown links. Audio is ignored; the CLI's string input has
// no place for it.
func PromptText(blocks []acp.ContentBlock, log *logger.Logger) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		switch {
		case block.Text != nil:
			parts = append(parts, block.Text.Text)

		case block.Resource != nil:
			if tag := contextTag(block.Resource.Resource); tag != "" {
				parts = append(parts, tag)
			}

		case block.ResourceLink != nil:
			link := block.ResourceLink
			path := strings.TrimPrefix(link.Uri, "file://")
			parts = append(parts, "["+link.Name+"]("+path+")")

		case block.Image != nil:
			// The stream-json user message carries plain text only.
			log.Debug("skipping image block in prompt")

		case block.Audio != nil:
			log.Debug("skipping audio block in prompt")

		default:
			log.Warn("skipping unknown prompt content block", zap.Any("block", block))
		}
	}
	return strings.Join(parts, "\n")
}

func contextTag(res acp.EmbeddedResourceResource) string {
	if res.TextResourceContents == nil {
		return ""
	}
	tc := res.TextResourceContents
	var sb strings.Builder
	sb.WriteString(`<context uri="`)
	sb.WriteString(tc.Uri)
	sb.WriteString("\">\n")
	sb.WriteString(tc.Text)
	if !strings.HasSuffix(tc.Text, "\n") {
		sb.WriteByte('\n')
	}
	sb.WriteString("</context>")
	return sb.String()
}
