// Package state persists the integration-branch bookkeeping as the message
// of a distinguished, machine-authored commit on the branch itself, so no
// external store is needed. The payload is YAML wrapped in base64: the
// wrapping is a reversible obscuring step, not encryption, and exists only
// to keep the hosting UI from cross-linking every release commit to every
// included change's page.
package state

import (
	"encoding/base64"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/GTNewHorizons/MergeMasterXXL/internal/models"
)

const (
	// CommitAuthorName and CommitAuthorEmail identify the state commit.
	CommitAuthorName  = "MergeMaster"
	CommitAuthorEmail = "mergemaster@gtnewhorizons.com"
	// CommitSubject is the fixed subject line of the state commit.
	CommitSubject = "Update integration state"
	// SearchDepth bounds how many trailing commits are scanned when
	// recovering prior state; an intervening dependency-update or
	// formatting commit must not hide the state commit.
	SearchDepth = 5
)

// BranchState records which changes the integration branch includes, which
// previously included changes disappeared, and the cross-repository
// dependencies declared by the included changes.
type BranchState struct {
	Included     []models.ChangeID
	Removed      []models.ChangeID
	Dependencies []models.ChangeID
}

type wireState struct {
	Included     []string `yaml:"included"`
	Removed      []string `yaml:"removed"`
	Dependencies []string `yaml:"dependencies"`
}

// Includes reports whether the state's included set contains the change.
func (s *BranchState) Includes(id models.ChangeID) bool {
	for _, in := range s.Included {
		if in == id {
			return true
		}
	}
	return false
}

// Encode serializes the state into a commit message body.
func (s *BranchState) Encode() (string, error) {
	wire := wireState{
		Included:     idStrings(s.Included),
		Removed:      idStrings(s.Removed),
		Dependencies: idStrings(s.Dependencies),
	}
	raw, err := yaml.Marshal(&wire)
	if err != nil {
		return "", fmt.Errorf("encode branch state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode.
func Decode(body string) (*BranchState, error) {
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode branch state: %w", err)
	}
	var wire wireState
	if err := yaml.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode branch state: %w", err)
	}
	st := &BranchState{}
	if st.Included, err = parseIDs(wire.Included); err != nil {
		return nil, err
	}
	if st.Removed, err = parseIDs(wire.Removed); err != nil {
		return nil, err
	}
	if st.Dependencies, err = parseIDs(wire.Dependencies); err != nil {
		return nil, err
	}
	return st, nil
}

// FromCommits scans the given commits, newest first, for the most recent
// state commit and decodes it. The boolean is false when none of the
// commits carries state.
func FromCommits(commits []models.Commit) (*BranchState, bool) {
	depth := SearchDepth
	if len(commits) < depth {
		depth = len(commits)
	}
	for _, c := range commits[:depth] {
		if c.AuthorName != CommitAuthorName || c.Subject != CommitSubject {
			continue
		}
		st, err := Decode(c.Body)
		if err != nil {
			continue
		}
		return st, true
	}
	return nil, false
}

func idStrings(ids []models.ChangeID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func parseIDs(refs []string) ([]models.ChangeID, error) {
	var out []models.ChangeID
	for _, r := range refs {
		id, err := models.ParseChangeID(r, models.RepositoryID{})
		if err != nil {
			return nil, fmt.Errorf("persisted state holds invalid change reference: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}
