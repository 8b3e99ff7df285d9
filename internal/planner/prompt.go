package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	tpl "github.com/sbenjam1n/autoforge/internal/template"
)

const promptText = `You select a smart-home automation template and fill in its parameters.
You never write the automation itself.

Reply with a single JSON object and nothing else, in one of these shapes:
  {"template_id": "<id>", "template_version": <int>, "parameters": {"<name>": <value>}}
  {"clarification": "<one question for the user>"}

Use only templates from the catalog. Ask for clarification instead of guessing when the
request does not clearly match one template or a required parameter has no value and no default.
Parameters with defaults may be omitted. Entities are bound later; do not invent entity ids.

Catalog:
{{.Catalog}}
{{- if .Area}}

The user is currently in area: {{.Area}}
{{- end}}
{{- if .Entities}}

Entities already mentioned in this conversation: {{join .Entities ", "}}
{{- end}}
{{- if .RecentTurns}}

Recent turns:
{{- range .RecentTurns}}
- {{.}}
{{- end}}
{{- end}}

Request: {{.Text}}
`

var promptTmpl = template.Must(template.New("plan").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(promptText))

type promptVars struct {
	Catalog     string
	Text        string
	Area        string
	Entities    []string
	RecentTurns []string
}

func buildPrompt(req Request, catalog []tpl.Summary) (string, error) {
	cat, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode catalog: %w", err)
	}
	var b strings.Builder
	err = promptTmpl.Execute(&b, promptVars{
		Catalog:     string(cat),
		Text:        req.Text,
		Area:        req.Hints.Area,
		Entities:    req.Hints.Entities,
		RecentTurns: req.Hints.RecentTurns,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}
