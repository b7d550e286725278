// Package policyrepo loads the tracking-parameter policy from disk and
// stamps its version from the surrounding git repository when the file
// does not carry one. Grouping keys depend on the active policy, so the
// version is logged at startup and returned with the policy.
package policyrepo

import (
	"fmt"
	"path/filepath"

	git "github.com/go-git/go-git/v5"

	"pagetalk/api/internal/urlnorm"
)

// UnversionedPolicy is the version reported when neither the policy
// file nor git can name one.
const UnversionedPolicy = "unversioned"

// Load reads a policy file and resolves its version. A version inside
// the file wins; otherwise the short hash of the repository HEAD
// containing the file is used; absence of git is not an error.
func Load(path string) (urlnorm.Policy, error) {
	policy, err := urlnorm.LoadPolicyFile(path)
	if err != nil {
		return urlnorm.Policy{}, fmt.Errorf("load tracking policy: %w", err)
	}

	if policy.Version == "" {
		policy.Version = versionFromGit(path)
	}
	return policy, nil
}

func versionFromGit(path string) string {
	dir := filepath.Dir(path)
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return UnversionedPolicy
	}
	head, err := repo.Head()
	if err != nil {
		return UnversionedPolicy
	}
	return "git-" + head.Hash().String()[:8]
}
