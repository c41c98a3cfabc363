// ABOUTME: Conversation transcript export as Markdown or a standalone HTML page
// ABOUTME: HTML is rendered from the Markdown with goldmark; message text is escaped first

package transcript

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-support/internal/store"
)

// ErrUnknownFormat is returned by ParseFormat and Render for formats other than md and html
var ErrUnknownFormat = errors.New("unknown transcript format")

// Format selects the transcript encoding.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

// ParseFormat accepts "md", "markdown" and "html". Empty means Markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "md", "markdown":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType is the HTTP media type for the format.
func (f Format) ContentType() string {
	if f == FormatHTML {
		return "text/html; charset=utf-8"
	}
	return "text/markdown; charset=utf-8"
}

// Render encodes conv in the given format.
func Render(conv *store.Conversation, format Format) ([]byte, error) {
	switch format {
	case FormatMarkdown:
		return Markdown(conv), nil
	case FormatHTML:
		return HTML(conv)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
}

var senderLabels = map[store.Sender]string{
	store.SenderUser:  "User",
	store.SenderBot:   "Bot",
	store.SenderAgent: "Agent",
}

// Markdown renders conv and its messages in append order.
func Markdown(conv *store.Conversation) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "# Conversation %s\n\n", escape(conv.ID))
	fmt.Fprintf(&b, "- **User:** %s\n", escape(conv.UserID))
	agent := "unassigned"
	if conv.AgentID != nil {
		agent = escape(*conv.AgentID)
	}
	fmt.Fprintf(&b, "- **Agent:** %s\n", agent)
	fmt.Fprintf(&b, "- **Status:** %s\n", conv.Status)
	fmt.Fprintf(&b, "- **Started:** %s\n", stamp(conv.CreatedAt))
	if conv.Status == store.StatusClosed {
		resolved := "no"
		if conv.Resolved() {
			resolved = "yes"
		}
		fmt.Fprintf(&b, "- **Resolved:** %s\n", resolved)
	}

	b.WriteString("\n## Messages\n")
	if len(conv.Messages) == 0 {
		b.WriteString("\n_No messages._\n")
	}
	for _, m := range conv.Messages {
		label := senderLabels[m.Sender]
		if label == "" {
			label = string(m.Sender)
		}
		if m.Type == store.MessageTypeSystem {
			fmt.Fprintf(&b, "\n_%s (%s): %s_\n", label, stamp(m.Timestamp), escape(oneLine(m.Content)))
			continue
		}
		fmt.Fprintf(&b, "\n**%s** · %s\n\n", label, stamp(m.Timestamp))
		for _, line := range strings.Split(m.Content, "\n") {
			fmt.Fprintf(&b, "> %s\n", escape(line))
		}
	}
	return b.Bytes()
}

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Conversation {{.ID}}</title>
</head>
<body>
{{.Body}}</body>
</html>
`))

var md = goldmark.New()

// HTML renders the Markdown transcript into a standalone page.
func HTML(conv *store.Conversation) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert(Markdown(conv), &body); err != nil {
		return nil, fmt.Errorf("converting transcript: %w", err)
	}

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		ID   string
		Body template.HTML
	}{
		ID:   conv.ID,
		Body: template.HTML(body.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering transcript page: %w", err)
	}
	return out.Bytes(), nil
}

var mdEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`[`, `\[`,
	`]`, `\]`,
	`<`, `\<`,
	`>`, `\>`,
	`#`, `\#`,
	`~`, `\~`,
	`|`, `\|`,
)

func escape(s string) string {
	return mdEscaper.Replace(s)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
