// Package policy decides whether a session may run a tool, based on layered
// profiles of per-tool rules.
package policy

// Actions.
const (
	ActionAllow    = "allow"
	ActionDeny     = "deny"
	ActionFallback = "fallback"
)

// Rule binds a tool name to an action. SkillName "*" matches any tool.
type Rule struct {
	SkillName string `yaml:"skill_name" json:"skill_name"`
	Action    string `yaml:"action" json:"action"`
	Reason    string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Profile is one named rule set with a default action.
type Profile struct {
	ID            string `yaml:"id" json:"id"`
	DefaultAction string `yaml:"default_action" json:"default_action"`
	Rules         []Rule `yaml:"rules" json:"rules"`
}

// Decision is the outcome of a policy check.
type Decision struct {
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	ProfileID string `json:"profile_id"`
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// ValidAction reports whether a is a known action.
func ValidAction(a string) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionFallback:
		return true
	}
	return false
}
