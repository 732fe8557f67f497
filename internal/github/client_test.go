package github_test

import (
	"testing"

	"github.com/scriptfix/scriptfix/internal/github"
)

func TestSplitSourceRef(t *testing.T) {
	tests := []struct {
		in       string
		wantRepo string
		wantPath string
		wantRef  string
		wantErr  bool
	}{
		{in: "octocat/hello/script.py", wantRepo: "octocat/hello", wantPath: "script.py"},
		{in: "octocat/hello/tools/build/gen.py", wantRepo: "octocat/hello", wantPath: "tools/build/gen.py"},
		{in: "octocat/hello/script.py@main", wantRepo: "octocat/hello", wantPath: "script.py", wantRef: "main"},
		{in: "octocat/hello/script.py@v1.2.3", wantRepo: "octocat/hello", wantPath: "script.py", wantRef: "v1.2.3"},
		{in: "octocat/hello", wantErr: true},
		{in: "octocat", wantErr: true},
		{in: "//script.py", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			repo, path, ref, err := github.SplitSourceRef(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SplitSourceRef(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("SplitSourceRef(%q): %v", tt.in, err)
			}
			if repo != tt.wantRepo || path != tt.wantPath || ref != tt.wantRef {
				t.Errorf("SplitSourceRef(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.in, repo, path, ref, tt.wantRepo, tt.wantPath, tt.wantRef)
			}
		})
	}
}
