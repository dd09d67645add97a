package heuristic

import (
	"regexp"
	"strings"
)

const (
	mediaTypePoll = "poll"

	// minIndentedLines is the run of indented lines treated as a code block.
	minIndentedLines = 4
)

var (
	codeFenceRe    = regexp.MustCompile("(?s)```.+```")
	functionLikeRe = regexp.MustCompile(`\w+\s*\([^)]*\)\s*[{:]`)
	urlRe          = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"]+`)
)

var documentMediaTypes = map[string]struct{}{
	"document": {},
	"file":     {},
	"pdf":      {},
	"doc":      {},
	"docx":     {},
	"xls":      {},
	"xlsx":     {},
	"ppt":      {},
	"pptx":     {},
}

// ContainsCode reports whether the text looks like it carries code:
// a fenced block, function-like syntax, or a run of indented lines.
func ContainsCode(text string) bool {
	if codeFenceRe.MatchString(text) {
		return true
	}

	if functionLikeRe.MatchString(text) {
		return true
	}

	return hasIndentedRun(text)
}

func hasIndentedRun(text string) bool {
	run := 0

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "    ") || strings.HasPrefix(line, "\t") {
			run++
			if run >= minIndentedLines {
				return true
			}

			continue
		}

		run = 0
	}

	return false
}

// ContainsLink reports whether the text carries an http(s) URL.
func ContainsLink(text string) bool {
	return urlRe.MatchString(text)
}

// IsDocumentMedia reports whether the media type is document-like.
func IsDocumentMedia(mediaType string) bool {
	_, ok := documentMediaTypes[strings.ToLower(mediaType)]
	return ok
}
