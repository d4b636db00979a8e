package attendance

import (
	"fmt"
	"strings"
)

// NormalizeID returns the canonical storage key for a student identifier.
func NormalizeID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func NormalizeName(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeIDs(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = NormalizeID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ParseStatus accepts P, A, PRESENT or ABSENT in any case. Empty means
// present.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "P", "PRESENT":
		return StatusPresent, nil
	case "A", "ABSENT":
		return StatusAbsent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// remoteStatus never fails: the remote store is authoritative and anything it
// sends that is not recognizably absent counts as present.
func remoteStatus(raw string) Status {
	status, err := ParseStatus(raw)
	if err != nil {
		return StatusPresent
	}
	return status
}
