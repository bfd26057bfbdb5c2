// Package knowledge supplies reference sources the fact-check agent cites
// when cross-referencing claims.
package knowledge

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Lookup(text string) []Source
}

// Source 描述可供智能体引用的一条参考来源。
type Source struct {
	Title       string   `yaml:"title" json:"title"`
	URL         string   `yaml:"url" json:"url"`
	Summary     string   `yaml:"summary" json:"summary"`
	Credibility string   `yaml:"credibility" json:"credibility"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
}

// StaticProvider 通过关键词匹配提供静态知识检索能力。
type StaticProvider struct {
	sources    []Source
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(sources []Source, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{sources: sources, maxResults: maxResults}
}

// DefaultSources 是未配置文件时引用的事实核查来源，没有关键词的条目匹配所有查询。
func DefaultSources() []Source {
	return []Source{
		{Title: "Reuters Fact Check", URL: "https://www.reuters.com/fact-check/", Credibility: "high",
			Summary: "Wire service fact checks of viral claims."},
		{Title: "AP Fact Check", URL: "https://apnews.com/hub/ap-fact-check", Credibility: "high",
			Summary: "Associated Press verification of news and social media claims."},
		{Title: "Snopes", URL: "https://www.snopes.com/", Credibility: "medium",
			Summary: "Long running rumour and urban legend investigations.",
			Keywords: []string{"viral", "rumor", "rumour", "hoax", "meme"}},
		{Title: "NASA", URL: "https://www.nasa.gov/", Credibility: "high",
			Summary: "Primary source for space and atmospheric science.",
			Keywords: []string{"sky", "space", "moon", "planet", "climate", "nasa"}},
		{Title: "World Health Organization", URL: "https://www.who.int/", Credibility: "high",
			Summary: "Global health guidance and statistics.",
			Keywords: []string{"vaccine", "virus", "health", "disease", "covid"}},
	}
}

// LoadFile 从 YAML 或 JSON 列表加载知识条目。
func LoadFile(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return NewStaticProvider(DefaultSources(), maxResults), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	var sources []Source
	if err := yaml.Unmarshal(content, &sources); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return NewStaticProvider(sources, maxResults), nil
}

// Lookup 先返回关键词匹配的条目，再补充通用来源，数量不超过配置上限。
func (p *StaticProvider) Lookup(text string) []Source {
	if p == nil {
		return nil
	}
	text = strings.ToLower(text)
	var specific, general []Source
	for _, src := range p.sources {
		if len(src.Keywords) == 0 {
			general = append(general, src)
			continue
		}
		for _, kw := range src.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				specific = append(specific, src)
				break
			}
		}
	}
	results := append(specific, general...)
	if len(results) > p.maxResults {
		results = results[:p.maxResults]
	}
	return results
}

var _ Provider = (*StaticProvider)(nil)
