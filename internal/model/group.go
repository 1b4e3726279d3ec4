package model

import (
	"strings"
	"time"
)

// Rule term operators for dynamic group membership predicates.
const (
	RuleOpEquals   = "eq"
	RuleOpNotEqual = "ne"
	RuleOpContains = "contains"
	RuleOpPrefix   = "prefix"
	RuleOpHasTag   = "has_tag"
)

// RuleTerm is one predicate over a node attribute. A group rule is the
// conjunction of its terms.
type RuleTerm struct {
	Field string `json:"field" validate:"required,oneof=hostname os os_version arch agent_version online tag"`
	Op    string `json:"op" validate:"required,oneof=eq ne contains prefix has_tag"`
	Value string `json:"value" validate:"required"`
}

type Group struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Dynamic   bool       `json:"dynamic" db:"dynamic"`
	Rule      []RuleTerm `json:"rule,omitempty" db:"rule"`
	Members   []string   `json:"members,omitempty" db:"members"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Matches reports whether the node satisfies every term of the rule.
// Dynamic membership is always evaluated from the rule; any stored member
// list on a dynamic group is advisory only.
func (t RuleTerm) Matches(n *Node) bool {
	var attr string
	switch t.Field {
	case "hostname":
		attr = n.Hostname
	case "os":
		attr = n.OS
	case "os_version":
		attr = n.OSVersion
	case "arch":
		attr = n.Arch
	case "agent_version":
		attr = n.AgentVersion
	case "online":
		if n.Online {
			attr = "true"
		} else {
			attr = "false"
		}
	case "tag":
		for _, tag := range n.Tags {
			if strings.EqualFold(tag, t.Value) {
				return t.Op != RuleOpNotEqual
			}
		}
		return t.Op == RuleOpNotEqual
	default:
		return false
	}

	switch t.Op {
	case RuleOpEquals:
		return strings.EqualFold(attr, t.Value)
	case RuleOpNotEqual:
		return !strings.EqualFold(attr, t.Value)
	case RuleOpContains:
		return strings.Contains(strings.ToLower(attr), strings.ToLower(t.Value))
	case RuleOpPrefix:
		return strings.HasPrefix(strings.ToLower(attr), strings.ToLower(t.Value))
	case RuleOpHasTag:
		for _, tag := range n.Tags {
			if strings.EqualFold(tag, t.Value) {
				return true
			}
		}
		return false
	}
	return false
}

// RuleMatches evaluates the whole rule (conjunction) against a node.
func RuleMatches(rule []RuleTerm, n *Node) bool {
	for _, term := range rule {
		if !term.Matches(n) {
			return false
		}
	}
	return len(rule) > 0
}
