package routing

import (
	"regexp"

	"github.com/NoPKT/agentim/internal/types"
)

// mentionPattern matches @<name> where name follows the agent-name
// grammar: letters, digits, underscore, dash. The engine re-parses
// mentions from raw content (spec.md §4.2) rather than trusting any
// client-supplied list.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// ParseMentions extracts the distinct @name tokens from content, in
// first-occurrence order.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ResolveMentionedMembers intersects parsed mention names with the
// room's member set (matched by Member.Name), returning the ids of
// members that are agents — only agents are ever dispatch targets.
func ResolveMentionedMembers(mentionNames []string, members []types.Member) []string {
	byName := make(map[string]string, len(members))
	for _, m := range members {
		if m.Type == types.SenderTypeAgent {
			byName[m.Name] = m.ID
		}
	}

	var out []string
	for _, name := range mentionNames {
		if id, ok := byName[name]; ok {
			out = append(out, id)
		}
	}
	return out
}
