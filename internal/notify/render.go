package notify

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"permitalert/internal/domain"
	"permitalert/internal/templatefmt"
)

const (
	defaultSubjectTemplate = `{{ if .Digest }}Permit digest: {{ .Count }} alerts{{ else }}Permit alert: {{ .PermitNumber }}{{ end }}`
	defaultBodyTemplate    = `{{ if .Digest }}{{ .Count }} permits matched your rules: {{ join .PermitIDs ", " }}{{ else }}Permit {{ .PermitNumber }}{{ if .County }} in {{ .County }}{{ end }} matched {{ join .RuleNames ", " }} at {{ fmtTime .CreatedAt }}{{ end }}`
)

// Payload is rendered message passed to channel transports.
type Payload struct {
	Subject string
	Body    string
	Event   domain.AlertEvent
}

// MessageData is template context built from one alert event.
// Params: flattened event metadata for template authors.
// Returns: template-friendly view.
type MessageData struct {
	Event        domain.AlertEvent
	Channel      domain.Channel
	PermitID     string
	PermitNumber string
	County       string
	OperatorID   string
	RuleIDs      []string
	RuleNames    []string
	CreatedAt    time.Time
	Digest       bool
	Count        int
	PermitIDs    []string
}

// Renderer holds compiled subject/body templates for one channel.
type Renderer struct {
	subject *template.Template
	body    *template.Template
}

// NewRenderer compiles channel templates.
// Params: template name prefix plus subject and body sources; empty source uses default.
// Returns: renderer or parse error.
func NewRenderer(name, subject, body string) (*Renderer, error) {
	if strings.TrimSpace(subject) == "" {
		subject = defaultSubjectTemplate
	}
	if strings.TrimSpace(body) == "" {
		body = defaultBodyTemplate
	}
	subjectTmpl, err := templatefmt.ParseMessageTemplate(name+".subject", subject)
	if err != nil {
		return nil, fmt.Errorf("parse %s subject template: %w", name, err)
	}
	bodyTmpl, err := templatefmt.ParseMessageTemplate(name+".body", body)
	if err != nil {
		return nil, fmt.Errorf("parse %s body template: %w", name, err)
	}
	return &Renderer{subject: subjectTmpl, body: bodyTmpl}, nil
}

// DefaultRenderer returns renderer with built-in templates.
// Params: none.
// Returns: renderer; built-in templates always parse.
func DefaultRenderer() *Renderer {
	renderer, err := NewRenderer("default", "", "")
	if err != nil {
		panic(err)
	}
	return renderer
}

// Render executes templates for event and channel.
// Params: event and target channel.
// Returns: payload or render error.
func (r *Renderer) Render(event domain.AlertEvent, channel domain.Channel) (Payload, error) {
	data := NewMessageData(event, channel)
	subject, err := templatefmt.Execute(r.subject, data)
	if err != nil {
		return Payload{}, fmt.Errorf("render subject for channel %q: %w", channel, err)
	}
	body, err := templatefmt.Execute(r.body, data)
	if err != nil {
		return Payload{}, fmt.Errorf("render body for channel %q: %w", channel, err)
	}
	return Payload{Subject: subject, Body: body, Event: event}, nil
}

// NewMessageData flattens event metadata into template context.
// Params: event and channel.
// Returns: message data.
func NewMessageData(event domain.AlertEvent, channel domain.Channel) MessageData {
	meta := event.Metadata
	data := MessageData{
		Event:        event,
		Channel:      channel,
		PermitID:     event.PermitID,
		PermitNumber: meta[domain.MetaPermitNumber],
		County:       meta[domain.MetaCounty],
		OperatorID:   meta[domain.MetaOperatorID],
		RuleIDs:      splitMeta(meta[domain.MetaRuleIDs]),
		RuleNames:    splitMeta(meta[domain.MetaRuleNames]),
		CreatedAt:    event.CreatedAt,
		PermitIDs:    splitMeta(meta[domain.MetaPermitIDs]),
	}
	if data.PermitNumber == "" {
		data.PermitNumber = event.PermitID
	}
	if len(data.RuleNames) == 0 && event.RuleID != "" {
		data.RuleNames = []string{event.RuleID}
	}
	if raw, ok := meta[domain.MetaDigestCount]; ok {
		data.Digest = true
		data.Count, _ = strconv.Atoi(raw)
	}
	return data
}

// splitMeta splits comma-joined metadata list.
func splitMeta(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
