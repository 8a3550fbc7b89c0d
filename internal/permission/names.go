package permission

import "strings"

const namespaceSep = "__"

// ToolName is a parsed tool identifier as sent by the agent runtime.
type ToolName struct {
	Raw        string
	Prefix     string
	Server     string
	Tool       string
	Namespaced bool
}

// ParseToolName splits names of the form prefix__server__tool. Anything
// else is a built-in tool. Tool segments may themselves contain "__".
func ParseToolName(name string) ToolName {
	name = strings.TrimSpace(name)
	parsed := ToolName{Raw: name, Tool: name}
	parts := strings.SplitN(name, namespaceSep, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return parsed
	}
	parsed.Prefix = parts[0]
	parsed.Server = parts[1]
	parsed.Tool = parts[2]
	parsed.Namespaced = true
	return parsed
}

// Key returns the approval table key for a namespaced tool.
func (t ToolName) Key() string {
	if !t.Namespaced {
		return ""
	}
	return Key(t.Server, t.Tool)
}

func Key(server, tool string) string {
	return NormalizeServer(server) + ":" + strings.TrimSpace(tool)
}

// NormalizeServer strips a trailing parenthetical source suffix,
// e.g. "exa (App)" becomes "exa".
func NormalizeServer(server string) string {
	server = strings.TrimSpace(server)
	if strings.HasSuffix(server, ")") {
		if open := strings.LastIndex(server, "("); open > 0 {
			server = strings.TrimSpace(server[:open])
		}
	}
	return server
}

// NormalizeKey applies NormalizeServer to the server half of a stored key.
func NormalizeKey(key string) string {
	server, tool, ok := strings.Cut(key, ":")
	if !ok {
		return strings.TrimSpace(key)
	}
	return Key(server, tool)
}
