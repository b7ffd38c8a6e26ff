package notification

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

// templateData is what subject and body templates render from
type templateData struct {
	Alert   *models.Alert
	Trigger models.Trigger
	Time    string
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
	sms     *template.Template
}

var templates = map[models.Trigger]messageTemplate{
	models.TriggerCreated: mustTemplate(
		`[{{.Alert.Severity}}] {{.Alert.ConditionType}} on sensor {{.Alert.SensorID}}`,
		`Alert Raised
============

Sensor: {{.Alert.SensorID}}
Location: {{.Alert.LocationID}}
Condition: {{.Alert.ConditionType}}
Severity: {{.Alert.Severity}}
Current Value: {{.Alert.LastValue}}
Raised At: {{.Time}}
Alert ID: {{.Alert.ID}}

Please acknowledge the alert and take appropriate action.
`,
		`{{.Alert.Severity}}: {{.Alert.ConditionType}} on {{.Alert.SensorID}} ({{.Alert.LastValue}}). Alert {{.Alert.ID}}`,
	),
	models.TriggerEscalated: mustTemplate(
		`[{{.Alert.Severity}}] ESCALATED {{.Alert.ConditionType}} on sensor {{.Alert.SensorID}}`,
		`Alert Escalated
===============

Sensor: {{.Alert.SensorID}}
Location: {{.Alert.LocationID}}
Condition: {{.Alert.ConditionType}}
Severity: {{.Alert.Severity}}
Current Value: {{.Alert.LastValue}}
Escalated At: {{.Time}}
Alert ID: {{.Alert.ID}}

The condition has worsened and now requires immediate attention.
`,
		`ESCALATED to {{.Alert.Severity}}: {{.Alert.ConditionType}} on {{.Alert.SensorID}} ({{.Alert.LastValue}}). Alert {{.Alert.ID}}`,
	),
	models.TriggerReminder: mustTemplate(
		`[{{.Alert.Severity}}] Still active: {{.Alert.ConditionType}} on sensor {{.Alert.SensorID}}`,
		`Alert Reminder
==============

Sensor: {{.Alert.SensorID}}
Location: {{.Alert.LocationID}}
Condition: {{.Alert.ConditionType}}
Severity: {{.Alert.Severity}}
State: {{.Alert.State}}
Current Value: {{.Alert.LastValue}}
Alert ID: {{.Alert.ID}}

This condition is still active as of {{.Time}}.
`,
		`Still active {{.Alert.Severity}}: {{.Alert.ConditionType}} on {{.Alert.SensorID}} ({{.Alert.LastValue}}). Alert {{.Alert.ID}}`,
	),
	models.TriggerResolved: mustTemplate(
		`[RESOLVED] {{.Alert.ConditionType}} on sensor {{.Alert.SensorID}}`,
		`Alert Resolved
==============

Sensor: {{.Alert.SensorID}}
Location: {{.Alert.LocationID}}
Condition: {{.Alert.ConditionType}}
Last Severity: {{.Alert.Severity}}
Last Value: {{.Alert.LastValue}}
Resolved At: {{.Time}}
Alert ID: {{.Alert.ID}}

The sensor has returned to its normal range.
`,
		`RESOLVED: {{.Alert.ConditionType}} on {{.Alert.SensorID}} ({{.Alert.LastValue}}). Alert {{.Alert.ID}}`,
	),
}

func mustTemplate(subject, body, sms string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New("subject").Parse(subject)),
		body:    template.Must(template.New("body").Parse(body)),
		sms:     template.Must(template.New("sms").Parse(sms)),
	}
}

// Render builds the subject and body for a trigger on a channel. SMS gets
// the short form.
func Render(alert *models.Alert, trigger models.Trigger, ch models.Channel, at time.Time) (subject, body string, err error) {
	tmpl, ok := templates[trigger]
	if !ok {
		return "", "", fmt.Errorf("no template for trigger %s", trigger)
	}

	data := templateData{Alert: alert, Trigger: trigger, Time: at.UTC().Format(time.RFC3339)}

	if subject, err = execute(tmpl.subject, data); err != nil {
		return "", "", err
	}
	bodyTmpl := tmpl.body
	if ch == models.ChannelSMS {
		bodyTmpl = tmpl.sms
	}
	if body, err = execute(bodyTmpl, data); err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func execute(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}
