package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var statementTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"money": FormatAmount,
	}

	templateContent, err := templateFS.ReadFile("templates/statement.html")
	if err != nil {
		// Fallback to built-in template if file not found
		statementTemplate = template.Must(template.New("statement").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	statementTemplate = template.Must(template.New("statement").Funcs(funcMap).Parse(string(templateContent)))
}

// FormatAmount renders minor units as a decimal amount with currency code.
func FormatAmount(amountCents int64, currency string) string {
	sign := ""
	if amountCents < 0 {
		sign = "-"
		amountCents = -amountCents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amountCents/100, amountCents%100, currency)
}

// TemplateData holds data for statement rendering
type TemplateData struct {
	ProjectName string
	ClientName  string
	Company     string
	Scope       string
	Status      string
	Progress    int
	GeneratedAt time.Time
	Milestones  []TemplateMilestone
	Payments    []TemplatePayment
}

// TemplateMilestone holds one milestone row for the template
type TemplateMilestone struct {
	Title           string
	Status          string
	ApprovalStatus  string
	ApprovalComment string
	Due             string
}

// TemplatePayment holds one payment row for the template
type TemplatePayment struct {
	Description string
	Amount      string
	Status      string
	Unlocked    bool
	Due         string
}

// RenderStatementHTML renders the statement template with provided data
func RenderStatementHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := statementTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ProjectName}} delivery statement</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
    th, td { border: 1px solid #ccc; padding: 0.5rem; text-align: left; }
    .locked { color: #999; }
  </style>
</head>
<body>
  <h1>{{.ProjectName}}</h1>
  <div class="meta">{{.ClientName}}{{if .Company}} ({{.Company}}){{end}} | {{.Status}} | {{.Progress}}% | {{.GeneratedAt.Format "Jan 2, 2006"}}</div>
  {{if .Scope}}<p>{{.Scope}}</p>{{end}}
  {{if .Milestones}}
  <h2>Milestones</h2>
  <table>
    <tr><th>Milestone</th><th>Status</th><th>Approval</th><th>Due</th></tr>
    {{range .Milestones}}<tr><td>{{.Title}}</td><td>{{.Status}}</td><td>{{.ApprovalStatus}}{{if .ApprovalComment}}: {{.ApprovalComment}}{{end}}</td><td>{{.Due}}</td></tr>{{end}}
  </table>
  {{end}}
  {{if .Payments}}
  <h2>Payments</h2>
  <table>
    <tr><th>Description</th><th>Amount</th><th>Status</th><th>Released</th><th>Due</th></tr>
    {{range .Payments}}<tr{{if not .Unlocked}} class="locked"{{end}}><td>{{.Description}}</td><td>{{.Amount}}</td><td>{{.Status}}</td><td>{{if .Unlocked}}yes{{else}}pending approval{{end}}</td><td>{{.Due}}</td></tr>{{end}}
  </table>
  {{end}}
</body>
</html>`
