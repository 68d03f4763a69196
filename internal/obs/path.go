package obs

import "strings"

// CanonicalPath collapses per-resource path segments so metric label
// cardinality stays bounded. Unknown paths are returned as-is without
// query strings.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	i := 0
	if len(parts) > 0 && parts[0] == "v1" {
		i = 1
	}
	switch {
	case len(parts) >= i+2 && (parts[i] == "api-keys" || parts[i] == "sessions" || parts[i] == "roles" || parts[i] == "groups"):
		parts[i+1] = ":id"
	case len(parts) >= i+3 && parts[i] == "auth" && parts[i+1] == "oauth":
		parts[i+2] = ":provider"
	}
	return "/" + strings.Join(parts, "/")
}
