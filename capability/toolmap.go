package capability

import "sort"

// toolCredentials maps each tool identifier to the credential providers
// the agent needs granted through the bridge to run it. Tools absent
// from the map need no grants. Bundled with the worker; the bridge only
// decides which grants this operator actually holds.
var toolCredentials = map[string][]string{
	"embed_text":          {"openai"},
	"complete_text":       {"openai"},
	"generate_image":      {"openai"},
	"post_telegram":       {"telegram"},
	"post_tweet":          {"twitter"},
	"open_pull_request":   {"github"},
	"review_pull_request": {"github"},
	"read_repository":     {"github"},
}

// toolOperatorCapabilities maps tools to capabilities the operator must
// provide locally, independent of bridge grants (e.g. a working GitHub
// token for the PR plumbing around the agent).
var toolOperatorCapabilities = map[string][]string{
	"open_pull_request":   {"github"},
	"review_pull_request": {"github"},
}

// RequiredCredentials returns the deduplicated credential providers
// needed by the given tool set.
func RequiredCredentials(tools []string) []string {
	return collect(tools, toolCredentials)
}

// RequiredOperatorCapabilities returns the deduplicated local operator
// capabilities needed by the given tool set.
func RequiredOperatorCapabilities(tools []string) []string {
	return collect(tools, toolOperatorCapabilities)
}

func collect(tools []string, m map[string][]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tool := range tools {
		for _, item := range m[tool] {
			if !seen[item] {
				seen[item] = true
				out = append(out, item)
			}
		}
	}
	sort.Strings(out)
	return out
}
