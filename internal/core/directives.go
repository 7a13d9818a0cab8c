package core

import (
	"strings"
)

// DirectiveKind names a control directive.
type DirectiveKind string

const (
	DirectiveCompact        DirectiveKind = "!compact"
	DirectiveCompactChannel DirectiveKind = "!compact-channel"
	DirectiveHandoff        DirectiveKind = "!handoff"
	DirectiveStop           DirectiveKind = "/stop"
	DirectiveStopAll        DirectiveKind = "/stop-all"
	DirectivePause          DirectiveKind = "/pause"
	DirectiveResume         DirectiveKind = "/resume"
	DirectiveTimer          DirectiveKind = "/timer"
	DirectiveTimerCancel    DirectiveKind = "/timer-cancel"
)

// Directive is a parsed control directive.
type Directive struct {
	Kind   DirectiveKind
	Target string
	Text   string
}

var directiveKinds = map[string]DirectiveKind{
	string(DirectiveCompact):        DirectiveCompact,
	string(DirectiveCompactChannel): DirectiveCompactChannel,
	string(DirectiveHandoff):        DirectiveHandoff,
	string(DirectiveStop):           DirectiveStop,
	string(DirectiveStopAll):        DirectiveStopAll,
	string(DirectivePause):          DirectivePause,
	string(DirectiveResume):         DirectiveResume,
	string(DirectiveTimer):          DirectiveTimer,
	string(DirectiveTimerCancel):    DirectiveTimerCancel,
}

// ParseDirective inspects the leading token of content. It returns nil when
// the message is not a directive and a validation error when it is one but
// is malformed.
func ParseDirective(content string) (*Directive, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || (trimmed[0] != '!' && trimmed[0] != '/') {
		return nil, nil
	}

	head, rest := splitFirst(trimmed)
	kind, ok := directiveKinds[strings.ToLower(head)]
	if !ok {
		return nil, nil
	}
	d := &Directive{Kind: kind}

	switch kind {
	case DirectiveCompact, DirectiveCompactChannel:
		if rest == "" {
			return nil, NewValidationError("%s requires a summary", kind)
		}
		d.Text = rest
	case DirectiveHandoff:
		target, summary := splitFirst(rest)
		if !strings.HasPrefix(target, "@") {
			return nil, NewValidationError("usage: !handoff @identity <summary>")
		}
		d.Target = NormalizeIdentity(target)
		if err := ValidateIdentity(d.Target); err != nil {
			return nil, err
		}
		if summary == "" {
			return nil, NewValidationError("!handoff requires a summary")
		}
		d.Text = summary
	case DirectiveStop, DirectivePause, DirectiveResume:
		target, extra := splitFirst(rest)
		if target == "" || extra != "" {
			return nil, NewValidationError("usage: %s <identity>", kind)
		}
		d.Target = NormalizeIdentity(target)
		if err := ValidateIdentity(d.Target); err != nil {
			return nil, err
		}
	case DirectiveTimer:
		if rest == "" {
			return nil, NewValidationError("usage: /timer <Nd Nh Nm>")
		}
		if _, err := ParseTimerDuration(rest); err != nil {
			return nil, err
		}
		d.Text = rest
	case DirectiveStopAll, DirectiveTimerCancel:
		if rest != "" {
			return nil, NewValidationError("%s takes no arguments", kind)
		}
	}
	return d, nil
}

func splitFirst(value string) (string, string) {
	value = strings.TrimSpace(value)
	idx := strings.IndexAny(value, " \t\n")
	if idx == -1 {
		return value, ""
	}
	return value[:idx], strings.TrimSpace(value[idx+1:])
}
