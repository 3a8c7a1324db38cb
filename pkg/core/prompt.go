package core

import (
	"fmt"
	"strings"

	"github.com/Kalito-Labs/Luna-sub004/pkg/llm"
	"github.com/Kalito-Labs/Luna-sub004/pkg/model"
)

// BuildPrompt renders a memory context into the message list for the model:
// one system message carrying systemPrompt, the pinned facts and the
// earlier-conversation summaries, then the recent messages, then newMessage
// as the user turn. An empty newMessage is omitted.
func BuildPrompt(systemPrompt string, mc *model.MemoryContext, newMessage string) []llm.Message {
	var sys strings.Builder
	sys.WriteString(strings.TrimSpace(systemPrompt))

	if mc != nil && len(mc.SemanticPins) > 0 {
		section(&sys, "Important facts to remember:")
		for _, p := range mc.SemanticPins {
			fmt.Fprintf(&sys, "- %s", p.Content)
			if p.Category != "" || p.UrgencyLevel != "" {
				fmt.Fprintf(&sys, " (%s)", strings.Trim(p.Category+", "+p.UrgencyLevel, ", "))
			}
			sys.WriteByte('\n')
		}
	}
	if mc != nil && len(mc.Summaries) > 0 {
		section(&sys, "Earlier in this conversation:")
		for _, s := range mc.Summaries {
			fmt.Fprintf(&sys, "- %s\n", strings.TrimSpace(s.Summary))
		}
	}

	out := make([]llm.Message, 0, 2+lenRecent(mc))
	if content := strings.TrimSpace(sys.String()); content != "" {
		out = append(out, llm.Message{Role: string(model.RoleSystem), Content: content})
	}
	if mc != nil {
		for _, m := range mc.RecentMessages {
			out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	if strings.TrimSpace(newMessage) != "" {
		out = append(out, llm.Message{Role: string(model.RoleUser), Content: newMessage})
	}
	return out
}

// section starts a titled block separated from the previous one by a blank
// line.
func section(b *strings.Builder, title string) {
	switch s := b.String(); {
	case s == "":
	case strings.HasSuffix(s, "\n"):
		b.WriteByte('\n')
	default:
		b.WriteString("\n\n")
	}
	b.WriteString(title)
	b.WriteByte('\n')
}

func lenRecent(mc *model.MemoryContext) int {
	if mc == nil {
		return 0
	}
	return len(mc.RecentMessages)
}
