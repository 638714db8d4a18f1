package app

import (
	"strings"

	"docchat/internal/ai"
	"docchat/internal/model"
	"docchat/internal/pkg/tokencount"
	"docchat/internal/vectorindex"
)

const condenseTemplate = `Given the chat history and the latest user input, rewrite the input as a standalone question.

Chat history:
{chatHistory}

User input: {question}

Standalone question:`

const answerTemplate = `You are a helpful AI assistant. Use the context below to answer.

Context:
{context}

Question: {question}

Answer:`

func condenseMessages(history []model.Turn, question string) []ai.ChatMessage {
	var b strings.Builder
	for i, t := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		if t.Role == model.RoleAI {
			b.WriteString("AI: ")
		} else {
			b.WriteString("Human: ")
		}
		b.WriteString(t.Message)
	}
	prompt := strings.NewReplacer("{chatHistory}", b.String(), "{question}", question).Replace(condenseTemplate)
	return []ai.ChatMessage{ai.UserMessage(prompt)}
}

func answerMessages(question string, matches []vectorindex.Match) []ai.ChatMessage {
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m.Content)
	}
	prompt := strings.NewReplacer("{context}", strings.Join(parts, "\n\n"), "{question}", question).Replace(answerTemplate)
	return []ai.ChatMessage{ai.UserMessage(prompt)}
}

// trimHistory keeps the newest turns whose messages fit within budget tokens.
func trimHistory(history []model.Turn, counter tokencount.Counter, budget int) []model.Turn {
	if budget <= 0 {
		return history
	}
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := counter.Count(history[i].Message)
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return history[start:]
}

// CitedPages returns the page numbers of matches in retrieval order, each
// page once.
func CitedPages(matches []vectorindex.Match) []int {
	seen := make(map[int]struct{}, len(matches))
	pages := make([]int, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.PageNumber]; ok {
			continue
		}
		seen[m.PageNumber] = struct{}{}
		pages = append(pages, m.PageNumber)
	}
	return pages
}
