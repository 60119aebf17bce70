package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/chmdznr/psync/pkg/models"
)

// Step is the work needed to converge one filename. Deletes run first; the
// upload only runs if every delete succeeded.
type Step struct {
	Filename string

	// File is nil for attachments that only exist remotely.
	File *models.LocalFile

	Reason   string
	Deletes  []models.Attachment
	Upload   bool
	Releases []models.Attachment
}

// Empty reports whether the step issues no mutations.
func (step Step) Empty() bool {
	return len(step.Deletes) == 0 && !step.Upload && len(step.Releases) == 0
}

func (step Step) String() string {
	var parts []string
	for _, a := range step.Deletes {
		parts = append(parts, fmt.Sprintf("delete %s", a.ID))
	}
	if step.Upload {
		parts = append(parts, "upload")
	}
	for _, a := range step.Releases {
		parts = append(parts, fmt.Sprintf("release %s", a.ID))
	}
	if len(parts) == 0 {
		parts = append(parts, "nothing")
	}
	return fmt.Sprintf("%s: %s (%s)", step.Filename, strings.Join(parts, ", "), step.Reason)
}

// Reasons attached to steps.
const (
	ReasonMissing    = "missing remotely"
	ReasonUnreleased = "remote copy unreleased"
	ReasonChanged    = "remote copy differs"
	ReasonUnchanged  = "up to date"
	ReasonRemoteOnly = "remote only, unreleased"
	ReasonUnreadable = "local file unreadable"
)

// Plan classifies every local file and every remote-only filename in the
// snapshot. Local files come first in name order, then remote-only
// filenames in name order. Steps that issue no mutations are included so
// callers can report them.
//
// A local file is uploaded when nothing with its name exists remotely. When
// matches exist, they are all deleted and the file re-uploaded if any match
// is unreleased or carries a digest different from the local contents.
// Remote-only attachments are never deleted; unreleased ones are released.
func Plan(snapshot Snapshot) []Step {
	var steps []Step
	local := make(map[string]bool, len(snapshot.Local))

	for i := range snapshot.Local {
		file := &snapshot.Local[i]
		local[file.Name] = true
		steps = append(steps, planLocal(file, snapshot.Remote[file.Name]))
	}

	for _, name := range snapshot.Remote.Filenames() {
		if local[name] {
			continue
		}
		step := Step{Filename: name, Reason: ReasonUnchanged}
		for _, a := range snapshot.Remote[name] {
			if !a.IsReleased() {
				step.Releases = append(step.Releases, a)
			}
		}
		if len(step.Releases) > 0 {
			step.Reason = ReasonRemoteOnly
		}
		steps = append(steps, step)
	}
	return steps
}

func planLocal(file *models.LocalFile, matches []models.Attachment) Step {
	step := Step{Filename: file.Name, File: file}
	if len(matches) == 0 {
		step.Upload = true
		step.Reason = ReasonMissing
		return step
	}

	replace := func(reason string) Step {
		step.Deletes = append([]models.Attachment(nil), matches...)
		step.Upload = true
		step.Reason = reason
		return step
	}

	for _, a := range matches {
		if !a.IsReleased() {
			return replace(ReasonUnreleased)
		}
	}

	var digest string
	for _, a := range matches {
		if a.SHA256 == "" {
			continue
		}
		if digest == "" {
			var err error
			if digest, err = fileDigest(file.Path); err != nil {
				log.WithError(err).WithField("file", file.Name).Warn("Failed to hash local file")
				step.Reason = ReasonUnreadable
				return step
			}
		}
		if !strings.EqualFold(a.SHA256, digest) {
			return replace(ReasonChanged)
		}
	}

	step.Reason = ReasonUnchanged
	return step
}

func fileDigest(path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
