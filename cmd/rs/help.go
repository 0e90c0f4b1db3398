package main

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/runstream/internal/ui"
)

// helpRule styles every match of re. group selects the submatch to render;
// zero renders the whole match.
type helpRule struct {
	re     *regexp.Regexp
	group  int
	render func(string) string
}

var helpRules = []helpRule{
	// Group and section headers ("Runs:", "Flags:"). "Usage:" stays plain.
	{regexp.MustCompile(`(?m)^((?:[A-TV-Z]|U[^s])[^\n]*:)[ \t]*$`), 1, ui.RenderAccent},
	// Subcommand names in the command listing.
	{regexp.MustCompile(`(?m)^  ([a-z][\w-]*)  `), 1, ui.RenderCommand},
	// Flag value types.
	{regexp.MustCompile(`--?[\w-]+ (string|int|int64|duration|stringSlice)\b`), 1, ui.RenderMuted},
	{regexp.MustCompile(`\(default [^)]*\)`), 0, ui.RenderMuted},
}

// colorizedHelpFunc renders cobra's usage text, styled when stdout supports color.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if !ui.ShouldUseColor() {
			_ = cmd.Usage()
			return
		}
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(out)
		fmt.Fprint(out, colorizeHelp(buf.String()))
	}
}

func colorizeHelp(s string) string {
	for _, r := range helpRules {
		s = r.re.ReplaceAllStringFunc(s, func(m string) string {
			if r.group == 0 {
				return r.render(m)
			}
			loc := r.re.FindStringSubmatchIndex(m)
			if loc == nil || loc[2*r.group] < 0 {
				return m
			}
			start, end := loc[2*r.group], loc[2*r.group+1]
			return m[:start] + r.render(m[start:end]) + m[end:]
		})
	}
	return s
}
