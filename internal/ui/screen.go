package ui

import (
	"strings"
	"sync"
)

// Container names a replaceable region of the page.
type Container string

const (
	ContainerHeader Container = "header"
	ContainerAgents Container = "agents"
	ContainerTasks  Container = "tasks"
	ContainerModal  Container = "modal"
	ContainerNotice Container = "notice"
)

const resultPrefix = "result-"

// ResultContainer is the result panel of one task.
func ResultContainer(taskID string) Container {
	return Container(resultPrefix + taskID)
}

// TaskOf returns the task of a result container.
func (c Container) TaskOf() (string, bool) {
	return strings.CutPrefix(string(c), resultPrefix)
}

// Screen receives whole-container replacements and blocking alerts.
type Screen interface {
	Replace(c Container, html string)
	Alert(message string)
}

// MemoryScreen keeps the latest HTML of every container.
type MemoryScreen struct {
	mu       sync.Mutex
	content  map[Container]string
	renders  map[Container]int
	alerts   []string
	listener func(Container, string)
}

func NewMemoryScreen() *MemoryScreen {
	return &MemoryScreen{content: map[Container]string{}, renders: map[Container]int{}}
}

// OnReplace registers fn to run after each replacement.
func (s *MemoryScreen) OnReplace(fn func(Container, string)) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

func (s *MemoryScreen) Replace(c Container, html string) {
	s.mu.Lock()
	s.content[c] = html
	s.renders[c]++
	fn := s.listener
	s.mu.Unlock()
	if fn != nil {
		fn(c, html)
	}
}

func (s *MemoryScreen) Alert(message string) {
	s.mu.Lock()
	s.alerts = append(s.alerts, message)
	s.mu.Unlock()
}

// HTML returns the current content of c.
func (s *MemoryScreen) HTML(c Container) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content[c]
}

// Renders counts replacements of c.
func (s *MemoryScreen) Renders(c Container) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renders[c]
}

func (s *MemoryScreen) Alerts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alerts...)
}
