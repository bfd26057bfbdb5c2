// Package llm abstracts the completion backend agents prompt.
package llm

import (
	"context"
	"strings"
)

// Request 描述发送给大模型的单轮请求。
type Request struct {
	// Name 用于在日志中标记请求，例如 "factcheck.claims"。
	Name        string
	System      string
	Prompt      string
	Temperature float64
}

// Response 是大模型返回的文本，以及上报的 token 用量。
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 将函数适配为 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 调用 f。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Truncate 将文本截断为最多 limit 个字符，并追加省略号。
func Truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
