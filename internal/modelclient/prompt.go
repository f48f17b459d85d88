package modelclient

import (
	"fmt"
	"strings"
)

const classifySystemPrompt = `You are a data labeling assistant. Assign exactly one label from the allowed list to the text.
Respond with JSON only: {"label": "<one allowed label, copied exactly>", "confidence": <number 0..1>, "reasoning": "<one short sentence>"}`

const enhanceSystemPrompt = `You refine labeling instructions for a classification model.
Rewrite the user's instructions so each allowed label has a clear, one-line definition and ambiguous cases have a rule.
Return only the rewritten instructions as plain text.`

// Request describes one unit to classify.
type Request struct {
	Model        string
	Fallbacks    []string
	Instructions string
	Labels       []string
	Text         string
	// Rejected lists earlier answers that were not in Labels.
	Rejected []string
}

func buildClassifyPrompt(req Request) Prompt {
	var b strings.Builder
	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		b.WriteString("Instructions:\n")
		b.WriteString(instructions)
		b.WriteString("\n\n")
	}
	b.WriteString("Allowed labels:\n")
	for _, label := range req.Labels {
		b.WriteString("- ")
		b.WriteString(label)
		b.WriteString("\n")
	}
	b.WriteString("\nText:\n<<<\n")
	b.WriteString(req.Text)
	b.WriteString("\n>>>\n")
	for _, rejected := range req.Rejected {
		fmt.Fprintf(&b, "\nYour previous answer %q is not an allowed label. Answer with one of the allowed labels exactly as written.\n", rejected)
	}
	return Prompt{System: classifySystemPrompt, User: b.String(), JSON: true}
}

func buildEnhancePrompt(instructions string, labels []string) Prompt {
	var b strings.Builder
	b.WriteString("Allowed labels: ")
	b.WriteString(strings.Join(labels, ", "))
	b.WriteString("\n\nInstructions:\n")
	if strings.TrimSpace(instructions) == "" {
		b.WriteString("(none given)")
	} else {
		b.WriteString(strings.TrimSpace(instructions))
	}
	return Prompt{System: enhanceSystemPrompt, User: b.String()}
}
