package reasoning

import (
	"slices"

	"github.com/MrWong99/waypoint/internal/tool"
	"github.com/MrWong99/waypoint/pkg/provider/llm"
)

// ClientContext is the optional context a caller attaches to a message.
// Empty fields leave the session's current value unchanged.
type ClientContext struct {
	Timezone string         `json:"timezone,omitempty"`
	Location *tool.Location `json:"location,omitempty"`
	Locale   string         `json:"locale,omitempty"`
}

// ConversationContext is the state a session carries between turns. It is
// owned by one [Session] and only read or written while that session's turn
// lock is held.
type ConversationContext struct {
	SessionID string
	UserID    string
	Locale    string
	Zone      Zone
	Location  *tool.Location

	// recent holds user and final assistant messages, oldest first.
	recent []llm.Message
	window int
}

// apply merges c into the context and re-resolves the timezone when the
// zone name or location changed.
func (cc *ConversationContext) apply(c ClientContext, r *Resolver) {
	changed := false
	if c.Locale != "" {
		cc.Locale = c.Locale
	}
	if c.Location != nil {
		loc := *c.Location
		cc.Location = &loc
		changed = true
	}
	if c.Timezone != "" {
		changed = true
	}
	if !changed {
		return
	}
	name := c.Timezone
	if name == "" && cc.Zone.Method == MethodExplicit {
		name = cc.Zone.Name()
	}
	cc.Zone = r.Resolve(name, cc.Location)
}

// callContext is the handler-facing view.
func (cc *ConversationContext) callContext() tool.CallContext {
	return tool.CallContext{
		SessionID: cc.SessionID,
		Timezone:  cc.Zone.Location,
		Location:  cc.Location,
	}
}

// commit appends msgs and evicts the oldest entries beyond the window.
func (cc *ConversationContext) commit(msgs ...llm.Message) {
	cc.recent = append(cc.recent, msgs...)
	if over := len(cc.recent) - cc.window; over > 0 {
		cc.recent = slices.Delete(cc.recent, 0, over)
	}
}
