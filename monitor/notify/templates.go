package notify

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/oamwatch/oamwatch/monitor/store"
)

// statusLabels are the human-readable status names used in mail bodies.
var statusLabels = map[store.Status]string{
	store.StatusPending:     "Pending",
	store.StatusNotFound:    "Not found",
	store.StatusProceedings: "Proceedings",
	store.StatusGranted:     "Granted",
	store.StatusRejected:    "Rejected",
	store.StatusQueryFailed: "Query failed",
	store.StatusUnknown:     "Unknown",
}

func label(s store.Status) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

var htmlBody = template.Must(template.New("body").Parse(`<html><body>
<h2>{{.Title}}</h2>
<p>{{.Line}}</p>
{{if .Note}}<p><i>{{.Note}}</i></p>{{end}}
{{if .Link}}<p><a href="{{.Link}}">{{.Link}}</a></p>{{end}}
{{if .Code}}<p>Application: <b>{{.Code}}</b></p>{{end}}
</body></html>
`))

type bodyData struct {
	Title string
	Line  string
	Note  string
	Link  string
	Code  string
}

// Render turns a notification into a deliverable message.
func Render(n Notification) (Message, error) {
	var (
		subject string
		line    string
		title   string
		link    string
	)

	switch n.Kind {
	case KindFirstRecord:
		subject = fmt.Sprintf("Application %s: first record (%s)", n.Code, label(n.NewStatus))
		title = "First record observed"
		line = fmt.Sprintf("The application %s was observed for the first time with status %s.",
			n.Code, label(n.NewStatus))
	case KindStatusChange:
		subject = fmt.Sprintf("Application %s: %s", n.Code, label(n.NewStatus))
		title = "Status change"
		line = fmt.Sprintf("The application %s changed status from %s to %s.",
			n.Code, label(n.OldStatus), label(n.NewStatus))
	case KindVerificationLink:
		subject = fmt.Sprintf("Confirm monitoring of %s", n.Code)
		title = "Confirm your request"
		line = fmt.Sprintf("Open the link below to start monitoring application %s. The link expires in 10 minutes.", n.Code)
		link = n.VerifyURL
	case KindManagementCode:
		subject = "Your management code"
		title = "Management code"
		line = fmt.Sprintf("Your management code is %s. It expires in 10 minutes.", n.ManageCode)
	default:
		return Message{}, fmt.Errorf("notify: unknown kind %q", n.Kind)
	}

	text := line
	if n.Note != "" {
		text += "\n\n" + n.Note
	}
	if link != "" {
		text += "\n\n" + link
	}

	var html bytes.Buffer
	if err := htmlBody.Execute(&html, bodyData{
		Title: title,
		Line:  line,
		Note:  n.Note,
		Link:  link,
		Code:  n.Code,
	}); err != nil {
		return Message{}, err
	}

	return Message{
		To:            n.Target,
		Subject:       subject,
		Text:          text,
		HTML:          html.String(),
		CorrelationID: n.CorrelationID,
	}, nil
}
