package relay

import (
	"sort"
	"strings"
)

// Channel identifier forms:
//
//	#<name>            public channel
//	dm:<p1>:<p2>[:…]   direct-message group, participants sorted
//	private:<name>     private channel
const (
	publicPrefix  = "#"
	dmPrefix      = "dm:"
	privatePrefix = "private:"
)

// IsChannel reports whether to names a channel rather than an agent.
func IsChannel(to string) bool {
	return strings.HasPrefix(to, publicPrefix) ||
		strings.HasPrefix(to, dmPrefix) ||
		strings.HasPrefix(to, privatePrefix)
}

// IsBroadcast reports whether to is the broadcast target.
func IsBroadcast(to string) bool { return to == "*" }

// NormalizeChannel canonicalises a channel id. DM participant lists are
// sorted so dm:bob:alice and dm:alice:bob name the same channel.
func NormalizeChannel(id string) string {
	if strings.HasPrefix(id, dmPrefix) {
		parts := strings.Split(strings.TrimPrefix(id, dmPrefix), ":")
		sort.Strings(parts)
		return dmPrefix + strings.Join(parts, ":")
	}
	return id
}

// DMChannel builds the canonical dm channel id for the participants.
func DMChannel(participants ...string) string {
	sort.Strings(participants)
	return dmPrefix + strings.Join(participants, ":")
}

// membership is one channel's current member set.
type membership map[string]struct{}

func (m membership) add(name string)    { m[name] = struct{}{} }
func (m membership) remove(name string) { delete(m, name) }

func (m membership) names() []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
