// Package render turns transcript messages into the HTML chat bubbles
// shown by the web front end.
package render

import (
	"bytes"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"CaisaChat/internal/session"
)

const (
	UserAvatar      = "🧑"
	AssistantAvatar = "🤖"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
	)
	policy = bluemonday.UGCPolicy()

	bubbleTmpl = template.Must(template.New("bubble").Parse(
		`<div class="chat-row{{if .Right}} right{{end}}">` +
			`<div class="avatar">{{.Avatar}}</div>` +
			`<div class="bubble {{.Class}}">{{.Body}}</div>` +
			`</div>`))
)

type bubbleData struct {
	Right  bool
	Avatar string
	Class  string
	Body   template.HTML
}

// Markdown converts message text to sanitized HTML.
func Markdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(policy.SanitizeBytes(buf.Bytes()))
}

// Bubble renders one message. System messages are never shown and
// render as the empty string.
func Bubble(role session.Role, text string) template.HTML {
	var data bubbleData
	switch role {
	case session.RoleUser:
		data = bubbleData{Right: true, Avatar: UserAvatar, Class: "user"}
	case session.RoleAssistant:
		data = bubbleData{Avatar: AssistantAvatar, Class: "assistant"}
	case session.RoleSystem:
		return ""
	default:
		return ""
	}
	data.Body = Markdown(text)

	var buf strings.Builder
	if err := bubbleTmpl.Execute(&buf, data); err != nil {
		return ""
	}
	return template.HTML(buf.String())
}

// History renders every visible message of a transcript in order.
func History(msgs []session.Message) []template.HTML {
	out := make([]template.HTML, 0, len(msgs))
	for _, m := range msgs {
		if b := Bubble(m.Role, m.Content); b != "" {
			out = append(out, b)
		}
	}
	return out
}
