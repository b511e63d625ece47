package feedback

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cloudvelous/ragloop/internal/store"
)

// ComposeSummary builds the text that is embedded as a workflow memory:
// the query, the useful chunks' provenance grouped per repo, the provider,
// and the success marker. Repos and files are sorted so the same feedback
// always embeds the same text.
func ComposeSummary(query string, usefulLinks []store.LinkDetail, provider string) string {
	parts := []string{
		fmt.Sprintf("Query: %s", query),
		fmt.Sprintf("Retrieved %d useful chunks from:", len(usefulLinks)),
	}

	byRepo := make(map[string]map[string]struct{})
	for _, link := range usefulLinks {
		if byRepo[link.RepoName] == nil {
			byRepo[link.RepoName] = make(map[string]struct{})
		}
		byRepo[link.RepoName][link.FilePath] = struct{}{}
	}

	repos := make([]string, 0, len(byRepo))
	for repo := range byRepo {
		repos = append(repos, repo)
	}
	sort.Strings(repos)

	for _, repo := range repos {
		files := make([]string, 0, len(byRepo[repo]))
		for file := range byRepo[repo] {
			files = append(files, file)
		}
		sort.Strings(files)
		parts = append(parts, fmt.Sprintf("- %s: %s", repo, strings.Join(files, ", ")))
	}

	if provider != "" {
		parts = append(parts, fmt.Sprintf("Generated using %s", provider))
	}
	parts = append(parts, "Feedback: correct")

	return strings.Join(parts, "\n")
}
