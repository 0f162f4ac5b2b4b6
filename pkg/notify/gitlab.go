// Package notify posts conflict reports as merge request comments.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
)

const defaultGitLabURL = "https://gitlab.com"

// MRCommenter posts a markdown summary of detected conflicts to a GitLab
// merge request. It is strictly one-way: a failed post is logged and never
// fails the detection run.
type MRCommenter struct {
	baseURL   string
	token     string
	projectID string
	mrIID     string
	http      *http.Client
}

// NewFromEnv builds a commenter from the GitLab CI environment. Returns nil
// when the MR context is absent (local runs, non-MR pipelines).
func NewFromEnv() *MRCommenter {
	token := os.Getenv("GITLAB_TOKEN")
	mrIID := os.Getenv("CI_MERGE_REQUEST_IID")
	projectID := os.Getenv("CI_PROJECT_ID")
	if token == "" || mrIID == "" || projectID == "" {
		return nil
	}

	baseURL := os.Getenv("CI_SERVER_URL")
	if baseURL == "" {
		baseURL = defaultGitLabURL
	}

	return &MRCommenter{
		baseURL:   baseURL,
		token:     token,
		projectID: projectID,
		mrIID:     mrIID,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// PostReport comments the conflicts on the merge request. Clean reports post
// nothing.
func (c *MRCommenter) PostReport(ctx context.Context, r models.Report) {
	if !r.ConflictsFound {
		return
	}

	body, err := json.Marshal(map[string]string{"body": renderComment(r)})
	if err != nil {
		log.Printf("notify: marshaling comment: %v", err)
		return
	}

	url := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests/%s/notes", c.baseURL, c.projectID, c.mrIID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("notify: building request: %v", err)
		return
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("notify: posting MR comment: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Printf("notify: MR comment rejected: status %d", resp.StatusCode)
		return
	}
	log.Printf("Posted conflict warning to MR !%s", c.mrIID)
}

func renderComment(r models.Report) string {
	var b strings.Builder
	b.WriteString("**BGP Conflict Detected**\n\n")
	b.WriteString("The following BGP resources have concurrent modifications:\n\n")

	for _, conflict := range r.Conflicts {
		marker := ":yellow_circle:"
		if conflict.Severity == models.SeverityHigh {
			marker = ":red_circle:"
		}
		b.WriteString(fmt.Sprintf("%s **%s** (%s)\n", marker, titleOf(conflict.Type), conflict.Severity))
		if len(conflict.AffectedSessionKeys) > 0 {
			b.WriteString(fmt.Sprintf("- **Sessions:** `%s`\n", strings.Join(conflict.AffectedSessionKeys, "`, `")))
		}
		b.WriteString(fmt.Sprintf("- **Description:** %s\n", conflict.Description))
		b.WriteString(fmt.Sprintf("- **Action:** %s\n\n", conflict.RecommendedAction))
	}

	b.WriteString("**Action Required:** Please coordinate with the other engineer before merging.")
	return b.String()
}

func titleOf(t models.ConflictType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
