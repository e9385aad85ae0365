package util

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// NewProgressBar returns a terminal progress bar with max ticks. When
// enabled is false the bar renders to io.Discard, so callers can tick it
// unconditionally.
func NewProgressBar(max int, description string, enabled bool) *progressbar.ProgressBar {
	var w io.Writer = os.Stderr
	if !enabled {
		w = io.Discard
	}
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(enabled),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}
