package ffmpeg

import (
	"strings"
)

// Command represents an FFmpeg command to execute.
type Command struct {
	// Name is the leading token shown in String, e.g. "ffmpeg".
	Name   string
	Binary string
	Args   []string
	Input  string
	Output string
}

// String returns the command as the user would have typed it.
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// CommandBuilder builds FFmpeg commands with a fluent API. It emits global
// flags followed by the resolved template tokens.
type CommandBuilder struct {
	binary     string
	name       string
	template   *Template
	globalArgs []string
	input      string
	output     string
	overwrite  bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary: ffmpegPath,
		name:   DefaultLeadingToken,
	}
}

// FromTemplate uses a parsed template as the argument layout.
func (b *CommandBuilder) FromTemplate(t *Template) *CommandBuilder {
	b.template = t
	if t != nil && t.Leading != "" {
		b.name = t.Leading
	}
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	args := append([]string(nil), b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}
	if b.template != nil {
		args = append(args, b.template.Resolve(b.input, b.output)...)
	}

	return &Command{
		Name:   b.name,
		Binary: b.binary,
		Args:   args,
		Input:  b.input,
		Output: b.output,
	}
}
