// Package drift detects applied migrations whose files changed on disk.
package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/lockplane/ratchet/internal/conflict"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/source"
	"github.com/lockplane/ratchet/internal/state"
)

// Checksum returns the SHA-256 hex digest of a migration script after
// normalizing line endings and trailing whitespace, so an editor that
// rewrites CRLF or strips blanks does not count as a change.
func Checksum(content string) string {
	return computeHash(Normalize(content))
}

// Normalize converts CRLF and lone CR to LF, trims trailing whitespace from
// every line and drops trailing blank lines.
func Normalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// computeHash generates a SHA-256 hash of the input string
func computeHash(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// Of returns the checksum of a descriptor's script.
func Of(d source.Descriptor) string {
	return Checksum(d.Content)
}

// Validate compares every applied record with the current file of the same
// number. A record whose file is gone is archival, not drift. Records
// without a stored checksum are skipped.
func Validate(descriptors []source.Descriptor, records []state.Record) []conflict.Conflict {
	current := map[int][]source.Descriptor{}
	for _, d := range descriptors {
		current[d.Number] = append(current[d.Number], d)
	}

	var conflicts []conflict.Conflict
	reported := map[int]bool{}
	for _, r := range records {
		if r.Status != state.StatusApplied || r.Checksum == "" || reported[r.Number] {
			continue
		}
		d, ok := match(current[r.Number], r.Name)
		if !ok {
			continue
		}
		sum := Of(d)
		if sum == r.Checksum {
			continue
		}
		reported[r.Number] = true
		conflicts = append(conflicts, conflict.New(conflict.KindDrift, []int{r.Number}, true,
			&errdefs.DriftDetectedError{
				Number:   r.Number,
				Name:     d.Name,
				Recorded: r.Checksum,
				Current:  sum,
			}))
	}
	return conflicts
}

// match prefers the file whose name matches the record. A renamed file
// with the same number is still compared.
func match(candidates []source.Descriptor, name string) (source.Descriptor, bool) {
	for _, d := range candidates {
		if d.Name == name {
			return d, true
		}
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	return source.Descriptor{}, false
}
