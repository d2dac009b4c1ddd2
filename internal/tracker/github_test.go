package tracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/swarmd/internal/config"
)

// newStubGitHub returns a notifier pointed at a stub API server and a
// channel of request paths the stub has seen.
func newStubGitHub(t *testing.T, handler http.HandlerFunc) (*GitHubNotifier, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	cfg := &GitHubConfig{
		Token:         config.Secret("ghp_test"),
		Owner:         "fyrsmithlabs",
		Repo:          "swarm-progress",
		ProgressIssue: 7,
		RatePerMinute: 600,
	}

	return newGitHubNotifier(cfg, client, nil), srv
}

func TestNewGitHubNotifier_RequiresToken(t *testing.T) {
	_, err := NewGitHubNotifier(context.Background(), &GitHubConfig{
		Owner:         "fyrsmithlabs",
		Repo:          "swarm-progress",
		ProgressIssue: 7,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")
}

func TestNewGitHubNotifier_RequiresRepo(t *testing.T) {
	_, err := NewGitHubNotifier(context.Background(), &GitHubConfig{
		Token:         config.Secret("ghp_test"),
		ProgressIssue: 7,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner and repo")
}

func TestGitHubNotifier_PostsComment(t *testing.T) {
	var gotPath string
	var gotBody string

	n, _ := newStubGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var comment github.IssueComment
		require.NoError(t, json.Unmarshal(raw, &comment))
		gotBody = comment.GetBody()

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	})

	err := n.NotifyProgress(context.Background(), ProgressUpdate{
		NodeID:     "r1",
		Level:      "roadmap",
		Percentage: 50,
		Milestone:  50,
		Title:      "Auth rollout",
	})
	require.NoError(t, err)

	assert.Equal(t, "/repos/fyrsmithlabs/swarm-progress/issues/7/comments", gotPath)
	assert.Contains(t, gotBody, "50% milestone")
	assert.Contains(t, gotBody, "`r1`")
	assert.Contains(t, gotBody, "Auth rollout")
}

func TestGitHubNotifier_LabelsAtHundred(t *testing.T) {
	var paths []string

	n, _ := newStubGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
		if strings.HasSuffix(r.URL.Path, "/comments") {
			_, _ = w.Write([]byte(`{"id": 1}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	err := n.NotifyProgress(context.Background(), ProgressUpdate{
		NodeID:     "r1",
		Level:      "roadmap",
		Percentage: 100,
		Milestone:  100,
	})
	require.NoError(t, err)

	require.Len(t, paths, 2)
	assert.Equal(t, "/repos/fyrsmithlabs/swarm-progress/issues/7/comments", paths[0])
	assert.Equal(t, "/repos/fyrsmithlabs/swarm-progress/issues/7/labels", paths[1])
}

func TestGitHubNotifier_CommentFailureReturnsError(t *testing.T) {
	n, _ := newStubGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := n.NotifyProgress(context.Background(), ProgressUpdate{
		NodeID:     "r1",
		Level:      "roadmap",
		Percentage: 25,
		Milestone:  25,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create progress comment")
}

func TestBuildCommentBody(t *testing.T) {
	body := buildCommentBody(ProgressUpdate{
		NodeID:     "e1",
		Level:      "epic",
		Percentage: 75,
		Milestone:  75,
		Title:      "Payments",
		Summary:    "ledger and refunds done",
	})

	assert.Contains(t, body, "### :dart: 75% milestone")
	assert.Contains(t, body, "**epic** `e1` is at **75%**")
	assert.Contains(t, body, "> ledger and refunds done")
}

func TestLogNotifier_NeverFails(t *testing.T) {
	n := NewLogNotifier(nil)

	err := n.NotifyProgress(context.Background(), ProgressUpdate{NodeID: "t1", Level: "task", Percentage: 100})
	require.NoError(t, err)
}
