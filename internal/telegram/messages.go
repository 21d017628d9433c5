package telegram

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

var (
	codeTemplate = template.Must(template.New("code").Parse(
		`🔐 <b>Your Chatty login code:</b>

<code>{{.Code}}</code>

⏱ The code is valid for {{.Minutes}} minute{{if ne .Minutes 1}}s{{end}} and works once.

Enter it on the Chatty sign-in page.`))

	helpTemplate = template.Must(template.New("help").Parse(
		`📱 <b>Chatty</b>

Commands:
/start - get a login code
/code - get a new login code
/help - show this message

Open the web app and enter the code you received to sign in.`))

	greetingTemplate = template.Must(template.New("greeting").Parse(
		`👋 Hi{{if .Name}}, {{.Name}}{{end}}! Send /start to get a login code for Chatty.`))
)

const (
	failureText  = "❌ Could not create a login code. Please try again."
	cooldownText = "⏳ You just got a code. Please wait a few seconds before asking for another one."
)

func render(t *template.Template, data any) (string, error) {
	var body bytes.Buffer
	if err := t.Execute(&body, data); err != nil {
		return "", fmt.Errorf("failed to render %s message: %w", t.Name(), err)
	}
	return body.String(), nil
}

// CodeText renders the reply carrying a freshly issued login code.
func CodeText(code string, ttl time.Duration) (string, error) {
	minutes := int(ttl / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return render(codeTemplate, struct {
		Code    string
		Minutes int
	}{code, minutes})
}

func HelpText() (string, error) {
	return render(helpTemplate, nil)
}

// GreetingText answers anything that is not a known command.
func GreetingText(name string) (string, error) {
	return render(greetingTemplate, struct{ Name string }{name})
}
