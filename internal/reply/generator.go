package reply

import (
	"context"
	"fmt"
	"strings"

	"mnemo/internal/config"
	"mnemo/internal/core"
	"mnemo/internal/logging"
	"mnemo/internal/redact"
)

// Reply is the generated answer plus generation metadata.
type Reply struct {
	Text       string
	Degraded   bool // true when the fallback produced the text
	TokensUsed int
	Model      string
}

// Generator produces the user-facing reply.
type Generator struct {
	llm      core.LLMClient
	redactor *redact.Redactor
	cfg      config.LLMConfig
}

// NewGenerator builds a reply generator. The redactor re-scans model output
// so PII can never round-trip through the LLM back to storage.
func NewGenerator(client core.LLMClient, redactor *redact.Redactor, cfg config.LLMConfig) *Generator {
	return &Generator{llm: client, redactor: redactor, cfg: cfg}
}

// Generate renders the reply for the assembled input. When the LLM is
// degraded or absent, the fallback lists the strongest facts verbatim so
// the user still gets an answer grounded in the database.
func (g *Generator) Generate(ctx context.Context, in Input) Reply {
	timer := logging.StartTimer(logging.CategoryReply, "Generate")
	defer timer.Stop()

	if g.llm == nil {
		return g.fallback(in)
	}

	system, user := Assemble(in)
	completion, err := g.llm.Complete(ctx, system, user, core.CompletionOptions{
		Temperature: g.cfg.ReplyTemperature,
		MaxTokens:   g.cfg.ReplyMaxTokens,
	})
	if err != nil || completion.Content == "" {
		logging.Get(logging.CategoryReply).Warn("Reply generation degraded, using fallback: %v", err)
		return g.fallback(in)
	}

	text := completion.Content
	if g.redactor != nil {
		if res := g.redactor.Redact(text); res.Redacted() {
			logging.Reply("Redacted %d PII spans from generated reply", len(res.Replacements))
			text = res.Text
		}
	}
	return Reply{Text: text, TokensUsed: completion.TokensUsed, Model: completion.Model}
}

// fallback lists the top facts and memories without the LLM.
func (g *Generator) fallback(in Input) Reply {
	var sb strings.Builder
	sb.WriteString("Here is what I can tell you right now:\n")

	n := 0
	for _, f := range in.Facts {
		if n >= 3 {
			break
		}
		fmt.Fprintf(&sb, "- %s\n", f.Statement)
		n++
	}
	for _, m := range in.Memories {
		if n >= 3 {
			break
		}
		if line := renderMemory(m); line != "" {
			fmt.Fprintf(&sb, "- %s\n", line)
			n++
		}
	}
	if n == 0 {
		sb.Reset()
		sb.WriteString("I don't have enough information to answer that yet.")
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n"), Degraded: true}
}
