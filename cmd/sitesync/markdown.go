package main

import (
	"os"

	markdown "github.com/MichaelMure/go-term-markdown"
	"golang.org/x/term"
)

// renderMarkdown renders markdown content to terminal
func renderMarkdown(content string) string {
	// Get terminal width for word wrapping (default 80)
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120 // Max width for readability
		}
	}

	result := markdown.Render(content, width, 6) // 6 = left padding
	return string(result)
}
