package domain

import (
	"errors"
	"fmt"
	"strings"
)

// TemplateKind selects a template list
type TemplateKind string

const (
	TemplateReply TemplateKind = "reply"
	TemplateDM    TemplateKind = "dm"
)

// Template length limits in runes
const (
	ReplyTemplateMaxRunes = 180
	DMTemplateMaxRunes    = 4000
)

var (
	ErrTemplateExists  = errors.New("template already exists")
	ErrTemplateIndex   = errors.New("template index out of range")
	ErrTemplateEmpty   = errors.New("template content is empty")
	ErrTemplateTooLong = errors.New("template content too long")
)

// DefaultReplyTemplates are the inline replies offered when none are configured
var DefaultReplyTemplates = []string{
	"老板我给您私信了",
	"老板 我私信您了",
	"大佬我私信您了",
	"大佬 我给您私信了",
	"大佬 我给您私信介绍了",
}

// DefaultDMTemplates are the follow-up direct messages offered when none are configured
var DefaultDMTemplates = []string{
	"您好，感谢您的关注与支持！\n产品的详细资料和购买方式已经整理好，直接回复这条私信，我们的工程师会一对一为您介绍。\n备注推特ID可享优惠。",
}

// DefaultCourtesyReplies are posted instead of a DM when the recipient has DMs closed
var DefaultCourtesyReplies = []string{
	"您的私信暂未开放，方便的话请私信我们了解详情~",
}

// ParseTemplateKind accepts "reply" and "dm" in any case
func ParseTemplateKind(s string) (TemplateKind, error) {
	switch TemplateKind(strings.ToLower(strings.TrimSpace(s))) {
	case TemplateReply:
		return TemplateReply, nil
	case TemplateDM:
		return TemplateDM, nil
	}
	return "", fmt.Errorf("invalid template type %q", s)
}

// Limit returns the maximum rune length for the kind
func (k TemplateKind) Limit() int {
	if k == TemplateDM {
		return DMTemplateMaxRunes
	}
	return ReplyTemplateMaxRunes
}

// Defaults returns a copy of the default list for the kind
func (k TemplateKind) Defaults() []string {
	if k == TemplateDM {
		return append([]string(nil), DefaultDMTemplates...)
	}
	return append([]string(nil), DefaultReplyTemplates...)
}

// SanitizeTemplates trims, drops empty and over-long entries, de-duplicates
// keeping the first occurrence, and falls back to defaults when nothing is left.
func SanitizeTemplates(items []string, limit int, defaults []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		t := strings.TrimSpace(it)
		if t == "" || seen[t] {
			continue
		}
		if limit > 0 && len([]rune(t)) > limit {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return append([]string(nil), defaults...)
	}
	return out
}

// CheckTemplate validates one template body for kind
func CheckTemplate(kind TemplateKind, content string) (string, error) {
	t := strings.TrimSpace(content)
	if t == "" {
		return "", ErrTemplateEmpty
	}
	if n := len([]rune(t)); n > kind.Limit() {
		return "", fmt.Errorf("%w (max %d)", ErrTemplateTooLong, kind.Limit())
	}
	return t, nil
}
