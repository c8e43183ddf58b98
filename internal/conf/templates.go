package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/niernejun2001/x-monitor-pro/internal/biz/domain"
)

// TemplatesConfig contains reply texts and keyword lists loaded from YAML
type TemplatesConfig struct {
	ReplyTemplates   []string   `yaml:"reply_templates"`
	DMTemplates      []string   `yaml:"dm_templates"`
	CourtesyReplies  []string   `yaml:"courtesy_replies"`
	BlockedMentions  []string   `yaml:"blocked_mentions"`
	ProtectedHandles []string   `yaml:"protected_handles"`
	LLM              LLMPrompts `yaml:"llm"`

	// Source is the file the config came from, "" for built-in defaults
	Source string `yaml:"-"`
	// LoadError is set when a file was found but could not be parsed
	LoadError error `yaml:"-"`
}

// LLMPrompts contains the classifier prompt
type LLMPrompts struct {
	SystemPrompt string `yaml:"system_prompt"`
}

// DefaultClassifierPrompt asks for a strict JSON verdict
const DefaultClassifierPrompt = `You review replies and mentions received by a brand account on X.
Decide whether the text should be SKIPPED (no sales reply) or KEPT.

Skip when the text is:
- spam, scam, advertising or link farming
- abusive, hateful or sexual
- a bot-like generic compliment with no interest in the product
- unrelated chatter between other users

Keep when the text asks a question, shows interest in the product, asks for price,
availability, specs or how to buy, or reports a problem.

Answer with one JSON object and nothing else:
{"skip": true|false, "reason": "<short reason in English>"}`

// LoadTemplatesConfig loads templates configuration from YAML file
func LoadTemplatesConfig(configPath string) (*TemplatesConfig, error) {
	// Try multiple paths
	paths := []string{configPath}
	if configPath == "" {
		paths = []string{
			"configs/templates.yaml",
			"./configs/templates.yaml",
			"/etc/x-monitor-pro/templates.yaml",
		}
		if execPath, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(execPath), "configs", "templates.yaml"))
		}
	}

	var data []byte
	var loadedPath string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			data, loadedPath = b, p
			break
		}
	}

	if data == nil {
		if configPath != "" {
			return nil, fmt.Errorf("failed to read templates file %s", configPath)
		}
		return DefaultTemplatesConfig(), nil
	}

	var config TemplatesConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", loadedPath, err)
	}
	config.Source = loadedPath
	config.fillDefaults()
	return &config, nil
}

// fillDefaults sanitizes every list and fills in defaults for empty values
func (c *TemplatesConfig) fillDefaults() {
	defaults := DefaultTemplatesConfig()

	c.ReplyTemplates = domain.SanitizeTemplates(c.ReplyTemplates, domain.ReplyTemplateMaxRunes, defaults.ReplyTemplates)
	c.DMTemplates = domain.SanitizeTemplates(c.DMTemplates, domain.DMTemplateMaxRunes, defaults.DMTemplates)
	c.CourtesyReplies = domain.SanitizeTemplates(c.CourtesyReplies, domain.ReplyTemplateMaxRunes, defaults.CourtesyReplies)
	c.BlockedMentions = domain.SanitizeTemplates(c.BlockedMentions, 0, defaults.BlockedMentions)
	c.ProtectedHandles = domain.SanitizeTemplates(c.ProtectedHandles, 0, defaults.ProtectedHandles)

	if c.LLM.SystemPrompt == "" {
		c.LLM.SystemPrompt = defaults.LLM.SystemPrompt
	}
}

// DefaultTemplatesConfig returns the default templates configuration
func DefaultTemplatesConfig() *TemplatesConfig {
	return &TemplatesConfig{
		ReplyTemplates:   append([]string(nil), domain.DefaultReplyTemplates...),
		DMTemplates:      append([]string(nil), domain.DefaultDMTemplates...),
		CourtesyReplies:  append([]string(nil), domain.DefaultCourtesyReplies...),
		BlockedMentions:  nil,
		ProtectedHandles: []string{"@X", "@Twitter"},
		LLM: LLMPrompts{
			SystemPrompt: DefaultClassifierPrompt,
		},
	}
}
