package assistant

import (
	"fmt"
	"os"
	"strings"
)

// DefaultSummaryPrompt is used when no summary prompt file is configured.
const DefaultSummaryPrompt = `You maintain the running memory of a personal assistant. You are given the
transcript of part of a conversation between the assistant and its user, and
possibly the previous summary. Write a concise summary of everything the
assistant needs to remember to continue the conversation: what the user did,
said and planned, how they felt, what the assistant promised or scheduled, and
any open questions. Merge the previous summary in. Write plain prose, no
headings.`

// DefaultFormatPrompt describes the reply format when no format file is
// configured.
const DefaultFormatPrompt = `# Response format

Your reply MUST be a single JSON object and nothing else. It may contain:
- "impression": a short description of the user's current mood.
- "intentions": what you intend to do next and why.
- "chat": a message to send to the user. Leave it out to stay silent.
- "react": one or more emoji to react to the user's message with.
- "prompt_after": a number of minutes after which you are prompted again if the
  user has not said anything. Always include it.
- "bug_report": a description of anything that is not working as it should.`

// LoadPrompt reads a prompt file. An empty path returns fallback.
func LoadPrompt(path, fallback string) (string, error) {
	if path == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// checkinText is the synthetic turn sent when the user stayed silent for
// the requested number of minutes.
func checkinText(minutes int) string {
	switch minutes {
	case 0:
		return "(Immediately thereafter…)"
	case 1:
		return "(One minute later…)"
	default:
		return fmt.Sprintf("(%d minutes later…)", minutes)
	}
}

// elapsedText tells the model how long ago the previous session was.
func elapsedText(days int) string {
	if days == 1 {
		return "This conversation continues the next day."
	}
	return fmt.Sprintf("This conversation continues %d days later.", days)
}

// attachmentFailureText tells the model which attachments failed to send.
func attachmentFailureText(sent int, failures []string) string {
	var b strings.Builder
	switch {
	case sent == 1:
		b.WriteString("SYSTEM: 1 attachment successfully sent to user, but the following encountered errors:")
	case sent > 1:
		fmt.Fprintf(&b, "SYSTEM: %d attachments successfully sent to user, but the following encountered errors:", sent)
	default:
		b.WriteString("SYSTEM: Sent message without attachments due to the following errors:")
	}
	for _, f := range failures {
		b.WriteString("\n")
		b.WriteString(f)
	}
	return b.String()
}

const (
	missedHeader = "SYSTEM: The following messages were sent while you were offline:"
	missedFooter = "SYSTEM: End of missed messages."
)
