package urlnorm

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultPolicyVersion names the built-in tracking table. Bump it whenever
// the built-in list changes: grouping keys computed under different policy
// versions are not comparable for URLs that carry affected parameters.
const DefaultPolicyVersion = "builtin-1"

// defaultTrackingParams is the built-in denylist. Membership is exact and
// case-sensitive; "UTM_SOURCE" is not a tracking key.
var defaultTrackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid", "ref", "referrer", "_ga", "_gl",
	"mc_cid", "mc_eid", "campaign", "source", "medium",
}

// Policy is the tracking-parameter denylist as a versioned table. The
// table is policy, not code: it can be replaced at deploy time via a
// policy file, and the active version is logged at startup so operators
// can correlate grouping changes with policy rollouts.
type Policy struct {
	Version string
	params  map[string]struct{}
}

// NewPolicy builds a policy from an explicit parameter list.
func NewPolicy(version string, params []string) Policy {
	set := make(map[string]struct{}, len(params))
	for _, param := range params {
		set[param] = struct{}{}
	}
	return Policy{Version: version, params: set}
}

// DefaultPolicy returns the built-in tracking table.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultPolicyVersion, defaultTrackingParams)
}

// IsTracking reports whether a query-parameter key encodes analytics or
// referral metadata rather than page identity.
func (p Policy) IsTracking(key string) bool {
	_, ok := p.params[key]
	return ok
}

// Len returns the number of keys in the table.
func (p Policy) Len() int {
	return len(p.params)
}

type policyFile struct {
	Version        string   `json:"version"`
	TrackingParams []string `json:"tracking_params"`
}

// LoadPolicyFile reads a JSON policy file of the form
// {"version": "...", "tracking_params": ["...", ...]}. The version field
// may be empty; callers that track the file in git can stamp the version
// from the repository instead.
func LoadPolicyFile(path string) (Policy, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}

	var file policyFile
	if err := json.Unmarshal(contents, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if len(file.TrackingParams) == 0 {
		return Policy{}, fmt.Errorf("policy file %s lists no tracking_params", path)
	}

	return NewPolicy(file.Version, file.TrackingParams), nil
}
