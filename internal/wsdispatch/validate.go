package wsdispatch

import "regexp"

// hostnameRe is RFC 1123: labels of 1-63 chars, alphanumeric with interior
// hyphens, joined by dots (spec.md §6).
var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?(?:\.[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

// windowTargetRe matches a tmux target of the form "<session>:<window>"
// (spec.md §6).
var windowTargetRe = regexp.MustCompile(`^[^:]+:(?:@?\d+)$`)

// agentSessionIDRe matches the log-derived agent session id (spec.md §6:
// "SessionIds (agent UUIDs) must be 8-64 chars of [A-Za-z0-9_-]").
var agentSessionIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// renameRe is the allowed display-name pattern for session-rename: word
// characters and "-", with a word character first (a leading "-" is
// rejected).
var renameRe = regexp.MustCompile(`^\w[\w-]*$`)

func validateHostname(h string) bool {
	return len(h) >= 1 && len(h) <= 253 && hostnameRe.MatchString(h)
}

func validateWindowTarget(t string) bool {
	return windowTargetRe.MatchString(t)
}

func validateAgentSessionID(id string) bool {
	return agentSessionIDRe.MatchString(id)
}

func validateRenameName(n string) bool {
	return renameRe.MatchString(n)
}

// allowedHost reports whether host appears verbatim in the configured
// remote-hosts allow-list (spec.md §4.14 "validate host against allow-list").
func allowedHost(host string, allowlist []string) bool {
	for _, h := range allowlist {
		if h == host {
			return true
		}
	}
	return false
}
