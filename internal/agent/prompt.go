package agent

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

const systemPromptTemplate = `You are a legal research assistant working on Luxembourg legislation.

Work only from documents returned by the research tools. Every document identifier you pass to a tool or cite in your answer must come from a result returned earlier in this session; identifiers you remember or construct yourself are rejected.

Tools:
- search: find candidate documents by keyword (at least 3 characters). Results are ranked by importance; prefer higher ranked documents.
- citations, amendments, status, relationships: explore one document's citation network, amendment history, validity and legal hierarchy.
- extract_content: fetch the full text of up to %d documents per call.

When you have enough material, stop calling tools and answer with a single JSON object and nothing else:
{
  "summary": "two or three sentence answer",
  "key_points": ["..."],
  "exhaustive_content": "detailed analysis",
  "practical_guidance": "what the reader should do",
  "primary_sources": [{"id": "document identifier", "title": "document title"}],
  "citation_network": "how the key documents cite each other",
  "amendment_history": "relevant modifications",
  "validity": "whether the cited provisions are in force"
}`

func systemPrompt(maxExtractBatch int) string {
	if maxExtractBatch <= 0 {
		maxExtractBatch = tools.DefaultMaxExtractBatch
	}
	return fmt.Sprintf(systemPromptTemplate, maxExtractBatch)
}

// userPrompt renders the question. Context identifiers are hints for
// search only and grant no provenance.
func userPrompt(question string, contextIDs []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(question))
	if len(contextIDs) > 0 {
		b.WriteString("\n\nThe user mentioned these documents. Search for them before using them:\n")
		for _, id := range contextIDs {
			b.WriteString("- ")
			b.WriteString(id)
			b.WriteString("\n")
		}
	}
	return b.String()
}
