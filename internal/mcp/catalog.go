package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// CollisionPolicy decides which server owns a tool name that more than
// one enabled server exposes.
type CollisionPolicy string

const (
	// FirstWins keeps the tool of the server registered first.
	FirstWins CollisionPolicy = "first_wins"

	// LastWins lets the server registered last take the name.
	LastWins CollisionPolicy = "last_wins"

	// PrefixNames exposes every tool as "<server>_<tool>", so names
	// never collide across servers.
	PrefixNames CollisionPolicy = "prefix"
)

// ParseCollisionPolicy converts a config value to a policy. Empty means
// FirstWins.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch p := CollisionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FirstWins, nil
	case FirstWins, LastWins, PrefixNames:
		return p, nil
	default:
		return "", fmt.Errorf("unknown collision policy %q (want first_wins, last_wins, or prefix)", s)
	}
}

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// PrefixedName namespaces a tool name with its server id. Both parts
// are reduced to lowercase alphanumerics and single underscores.
func PrefixedName(serverID, toolName string) string {
	return sanitize(serverID) + "_" + sanitize(toolName)
}

// sanitize lowercases s, replaces non-alphanumeric characters with
// underscores, and collapses consecutive underscores.
func sanitize(s string) string {
	s = strings.ToLower(s)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// CatalogEntry is one routable tool: the name callers use, the owning
// server, and the name that server knows it by.
type CatalogEntry struct {
	Tool     Tool   `json:"tool"`
	Server   string `json:"server"`
	Original string `json:"original"`
}

// catalogSource is one server's contribution, in registration order.
type catalogSource struct {
	server string
	tools  []Tool
}

// buildCatalog merges sources into a routable catalog. The result
// depends only on the order of sources and their tool lists, so the
// same configuration always resolves the same way. Shadowed entries
// are reported for logging.
func buildCatalog(policy CollisionPolicy, sources []catalogSource) (entries []CatalogEntry, index map[string]int, shadowed []CatalogEntry) {
	index = make(map[string]int)
	entries = []CatalogEntry{}

	for _, src := range sources {
		for _, t := range src.tools {
			name := t.Name
			if policy == PrefixNames {
				name = PrefixedName(src.server, t.Name)
			}
			entry := CatalogEntry{Tool: t, Server: src.server, Original: t.Name}
			entry.Tool.Name = name

			pos, taken := index[name]
			switch {
			case !taken:
				index[name] = len(entries)
				entries = append(entries, entry)
			case policy == LastWins:
				shadowed = append(shadowed, entries[pos])
				entries[pos] = entry
			default:
				// FirstWins, and sanitized-prefix clashes under PrefixNames.
				shadowed = append(shadowed, entry)
			}
		}
	}
	return entries, index, shadowed
}

// filterTools applies a server's include/exclude lists. A non-empty
// include list wins over exclude.
func filterTools(tools []Tool, include, exclude []string) []Tool {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if len(includeSet) > 0 {
			if !includeSet[t.Name] {
				continue
			}
		} else if excludeSet[t.Name] {
			continue
		}
		out = append(out, t)
	}
	return out
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
