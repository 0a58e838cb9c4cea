package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// MessageData is what the message templates render
type MessageData struct {
	StationID    string
	StationName  string
	At           time.Time
	AQI          int
	Category     string
	Confidence   string
	EPA          float64
	RegionalMean float64
	Average      float64
	RateOfChange float64
	Samples      int
	Span         time.Duration
	Window       string
}

// Message is a rendered subject and body. Subject is empty for texts.
type Message struct {
	Subject string
	Body    string
}

var funcs = template.FuncMap{
	"trend": func(v float64) string { return fmt.Sprintf("%+.1f", v) },
	"clock": func(t time.Time) string { return t.Format("Mon 15:04 MST") },
	"mins":  func(d time.Duration) int { return int(d.Minutes()) },
}

const (
	thresholdTextTmpl = `AQ alert {{.StationName}}: AQI {{.AQI}} ({{.Category}}), regional {{printf "%.0f" .RegionalMean}}, trend {{trend .RateOfChange}}/hr at {{clock .At}}.`

	thresholdSubjectTmpl = `Air quality alert: AQI {{.AQI}} ({{.Category}}) at {{.StationName}}`

	thresholdEmailTmpl = `Air quality at {{.StationName}} (station {{.StationID}}) has crossed the {{.Window}} alert threshold.

Current AQI:       {{.AQI}} ({{.Category}})
Confidence:        {{.Confidence}}
EPA-corrected PM:  {{printf "%.1f" .EPA}} ug/m3
Regional mean AQI: {{printf "%.2f" .RegionalMean}}
{{mins .Span}}-minute average: {{printf "%.1f" .Average}}
Trend:             {{trend .RateOfChange}} AQI/hour

Reported {{clock .At}}.
`

	dailyTextTmpl = `AQ daily {{.StationName}}: avg {{printf "%.0f" .Average}}, now {{.AQI}} ({{.Category}}), trend {{trend .RateOfChange}}/hr, {{.Samples}} samples.`

	dailySubjectTmpl = `Daily air quality summary for {{.StationName}}`

	dailyEmailTmpl = `Daily air quality summary for {{.StationName}} (station {{.StationID}}).

Samples:           {{.Samples}} over {{mins .Span}} minutes
Average AQI:       {{printf "%.1f" .Average}}
Current AQI:       {{.AQI}} ({{.Category}})
Regional mean AQI: {{printf "%.2f" .RegionalMean}}
Trend:             {{trend .RateOfChange}} AQI/hour

Generated {{clock .At}}. Sample detail is attached.
`
)

// Templates renders the four message kinds
type Templates struct {
	thresholdText    *template.Template
	thresholdSubject *template.Template
	thresholdEmail   *template.Template
	dailyText        *template.Template
	dailySubject     *template.Template
	dailyEmail       *template.Template
}

// DefaultTemplates returns the built-in message templates
func DefaultTemplates() *Templates {
	parse := func(name, text string) *template.Template {
		return template.Must(template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text))
	}
	return &Templates{
		thresholdText:    parse("threshold_text", thresholdTextTmpl),
		thresholdSubject: parse("threshold_subject", thresholdSubjectTmpl),
		thresholdEmail:   parse("threshold_email", thresholdEmailTmpl),
		dailyText:        parse("daily_text", dailyTextTmpl),
		dailySubject:     parse("daily_subject", dailySubjectTmpl),
		dailyEmail:       parse("daily_email", dailyEmailTmpl),
	}
}

func (t *Templates) ThresholdText(d MessageData) (Message, error) {
	body, err := execute(t.thresholdText, d)
	return Message{Body: body}, err
}

func (t *Templates) ThresholdEmail(d MessageData) (Message, error) {
	return renderEmail(t.thresholdSubject, t.thresholdEmail, d)
}

func (t *Templates) DailyText(d MessageData) (Message, error) {
	body, err := execute(t.dailyText, d)
	return Message{Body: body}, err
}

func (t *Templates) DailyEmail(d MessageData) (Message, error) {
	return renderEmail(t.dailySubject, t.dailyEmail, d)
}

func renderEmail(subject, body *template.Template, d MessageData) (Message, error) {
	s, err := execute(subject, d)
	if err != nil {
		return Message{}, err
	}
	b, err := execute(body, d)
	if err != nil {
		return Message{}, err
	}
	return Message{Subject: s, Body: b}, nil
}

func execute(tmpl *template.Template, d MessageData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
