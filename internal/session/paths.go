package session

import (
	"path/filepath"
	"strings"
)

// EncodeWorkDir converts an absolute working directory into the flat
// directory name the agent backend uses to segregate per-project transcripts.
// Every byte outside [A-Za-z0-9] maps to '-'. The rule must be identical in
// the extraction and restoration environments or resumption silently starts
// fresh on a path miss.
func EncodeWorkDir(workDir string) string {
	var sb strings.Builder
	sb.Grow(len(workDir))
	for _, r := range workDir {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// TranscriptPath returns the transcript location for a session executed in
// workDir: <projectsDir>/<encoded workDir>/<sessionID>.jsonl.
func TranscriptPath(projectsDir, workDir, sessionID string) string {
	return filepath.Join(projectsDir, EncodeWorkDir(workDir), sessionID+".jsonl")
}
