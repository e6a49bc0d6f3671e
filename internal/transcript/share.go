package transcript

import (
	"errors"
	"net/url"
	"strings"
)

// ShareSubject is the subject line used when mailing a transcript.
const ShareSubject = "TaxMate Chat with Max – AI Tax Agent"

// ErrNothingToShare is returned when exporting an empty transcript.
var ErrNothingToShare = errors.New("transcript: no chat to share yet")

// Export renders exchanges as a plain-text transcript.
// Pending exchanges are rendered with an ellipsis instead of a reply.
func Export(exchanges []Exchange) (string, error) {
	if len(exchanges) == 0 {
		return "", ErrNothingToShare
	}
	var b strings.Builder
	for i, ex := range exchanges {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("👤 You: ")
		b.WriteString(ex.UserText)
		b.WriteString("\n🤖 Max: ")
		if ex.Pending() {
			b.WriteString("…")
		} else {
			b.WriteString(ex.AssistantText)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// MailtoURL builds a mailto: link carrying the exported transcript.
func MailtoURL(exchanges []Exchange) (string, error) {
	body, err := Export(exchanges)
	if err != nil {
		return "", err
	}
	body += "\n\n— Sent via TaxMate AI"
	return "mailto:?subject=" + escape(ShareSubject) + "&body=" + escape(body), nil
}

// escape percent-encodes like encodeURIComponent: spaces become %20, not '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
