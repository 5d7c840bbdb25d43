package git

import (
	"strconv"
	"strings"

	"treehouse/internal/model"
)

// ParseStatus parses `git status --porcelain` output.
func ParseStatus(out string) []model.StatusEntry {
	var entries []model.StatusEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		path := line[3:]

		if x == '?' && y == '?' {
			entries = append(entries, model.StatusEntry{
				Path:   unquotePath(path),
				Status: model.FileUntracked,
			})
			continue
		}

		staged := x != ' ' && x != '?'
		code := y
		if staged {
			code = x
		}

		// Renames and copies list "old -> new"; show the new name.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+len(" -> "):]
		}

		entries = append(entries, model.StatusEntry{
			Path:   unquotePath(path),
			Status: classify(code),
			Staged: staged,
		})
	}
	return entries
}

func classify(code byte) string {
	switch code {
	case 'A':
		return model.FileAdded
	case 'M':
		return model.FileModified
	case 'D':
		return model.FileDeleted
	case 'R':
		return model.FileRenamed
	default:
		return model.FileModified
	}
}

// unmerged porcelain codes
var conflictCodes = map[string]bool{
	"UU": true, "AA": true, "DD": true,
	"AU": true, "UA": true, "DU": true, "UD": true,
}

// ConflictedPaths returns the paths porcelain output marks as unmerged.
func ConflictedPaths(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		if conflictCodes[line[:2]] {
			paths = append(paths, unquotePath(line[3:]))
		}
	}
	return paths
}

// unquotePath undoes git's C-style quoting of paths with special characters.
func unquotePath(p string) string {
	if len(p) >= 2 && p[0] == '"' && p[len(p)-1] == '"' {
		if s, err := strconv.Unquote(p); err == nil {
			return s
		}
	}
	return p
}
