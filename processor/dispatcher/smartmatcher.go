package dispatcher

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// RuleSource returns the header patterns configured for an engine.
type RuleSource interface {
	RulesFor(engineID int) ([]string, error)
}

// StaticRules serves rules from an in-memory map.
type StaticRules map[int][]string

// RulesFor implements RuleSource.
func (r StaticRules) RulesFor(engineID int) ([]string, error) {
	return slices.Clone(r[engineID]), nil
}

// FileRules re-reads a YAML file of engine id to patterns on every lookup,
// so an engine picks up edited rules when it registers again.
type FileRules struct {
	Path string
}

// RulesFor implements RuleSource.
func (r FileRules) RulesFor(engineID int) ([]string, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	var rules map[int][]string
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse routing rules %s: %w", r.Path, err)
	}
	return rules[engineID], nil
}

// SmartMatcher holds the matching rules of each registered engine and
// decides whether an event header is routed toward an engine.
type SmartMatcher struct {
	enforce bool
	source  RuleSource
	logger  *slog.Logger

	mu    sync.RWMutex
	rules map[int][]string
}

// NewSmartMatcher creates a matcher. With enforce unset every header matches
// every engine and rules are only kept for inspection.
func NewSmartMatcher(enforce bool, source RuleSource, logger *slog.Logger) *SmartMatcher {
	if source == nil {
		source = StaticRules(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SmartMatcher{
		enforce: enforce,
		source:  source,
		logger:  logger,
		rules:   make(map[int][]string),
	}
}

// LoadRules (re)loads the rules of the engine. Invalid patterns are skipped.
func (m *SmartMatcher) LoadRules(engineID int) error {
	patterns, err := m.source.RulesFor(engineID)
	if err != nil {
		return err
	}
	valid := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			m.logger.Warn("Skipping invalid routing rule", "engine_id", engineID, "pattern", p)
			continue
		}
		valid = append(valid, p)
	}

	m.mu.Lock()
	m.rules[engineID] = valid
	m.mu.Unlock()

	m.logger.Debug("Routing rules loaded", "engine_id", engineID, "rules", len(valid))
	return nil
}

// RemoveRules forgets the rules of the engine.
func (m *SmartMatcher) RemoveRules(engineID int) {
	m.mu.Lock()
	delete(m.rules, engineID)
	m.mu.Unlock()
}

// Rules returns a copy of the engine's rules.
func (m *SmartMatcher) Rules(engineID int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.rules[engineID])
}

// Enforced reports whether rules decide routing.
func (m *SmartMatcher) Enforced() bool { return m.enforce }

// DoesItMatch reports whether the event header is accepted by the engine.
func (m *SmartMatcher) DoesItMatch(header string, engineID int) bool {
	if !m.enforce {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.rules[engineID] {
		if ok, _ := doublestar.Match(p, header); ok {
			return true
		}
	}
	return false
}
