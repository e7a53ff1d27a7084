package ffmpeg

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jmylchreest/transcodarr/internal/models"
)

// Placeholder tokens recognised in command templates.
const (
	InputPlaceholder  = "input.mp4"
	OutputPlaceholder = "output.mp4"

	// StdinInput is the input argument used when bytes are fed through stdin.
	StdinInput = "pipe:0"

	// DefaultLeadingToken is the program name a template must start with.
	DefaultLeadingToken = "ffmpeg"
)

// TokenKind classifies a template token.
type TokenKind int

const (
	// TokenLiteral is passed to the subprocess verbatim.
	TokenLiteral TokenKind = iota
	// TokenInput is replaced by the resolved input argument.
	TokenInput
	// TokenOutput is replaced by the resolved output path.
	TokenOutput
)

// Token is one argument of a parsed template.
type Token struct {
	Kind  TokenKind
	Value string
}

// Template is a validated, tokenized command template.
type Template struct {
	Raw     string
	Leading string
	Tokens  []Token
}

// dangerousPatterns indicate shell injection attempts. `;` and `|` are
// legitimate inside filter graphs and are not listed.
var dangerousPatterns = []struct {
	pattern *regexp.Regexp
	message string
}{
	{regexp.MustCompile(`\$\(`), "command substitution $(...) detected"},
	{regexp.MustCompile("`"), "backtick command substitution detected"},
	{regexp.MustCompile(`\$\{`), "variable expansion ${...} detected"},
	{regexp.MustCompile(`&&`), "command chaining (&&) detected"},
	{regexp.MustCompile(`>>`), "append redirection (>>) detected"},
	{regexp.MustCompile(`>`), "output redirection (>) detected"},
	{regexp.MustCompile(`<`), "input redirection (<) detected"},
}

// blockedFlags can read arbitrary files, widen protocol access or leak data.
var blockedFlags = map[string]string{
	"-filter_script":      "could load arbitrary script files",
	"-protocol_whitelist": "could enable dangerous protocols",
	"-protocol_blacklist": "affects protocol handling",
	"-dump":               "debugging flag that could expose sensitive info",
	"-hex":                "debugging flag that could expose sensitive info",
}

// filterFlags take a filter graph value; a no-op graph is dropped with its flag.
var filterFlags = map[string]bool{
	"-vf":             true,
	"-af":             true,
	"-filter:v":       true,
	"-filter:a":       true,
	"-filter_complex": true,
}

var noopFilters = map[string]bool{
	"":      true,
	"null":  true,
	"anull": true,
}

// ParseTemplate validates raw and splits it into typed tokens. The first
// token must equal leading; it is kept on the Template and not emitted as an
// argument. Every failure wraps models.ErrInvalidCommand.
func ParseTemplate(raw, leading string) (*Template, error) {
	if leading == "" {
		leading = DefaultLeadingToken
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: command is empty", models.ErrInvalidCommand)
	}

	for _, dp := range dangerousPatterns {
		if dp.pattern.MatchString(raw) {
			return nil, fmt.Errorf("%w: %s", models.ErrInvalidCommand, dp.message)
		}
	}
	if msg := checkQuoteBalance(raw); msg != "" {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidCommand, msg)
	}

	words := splitArgs(raw)
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: command is empty", models.ErrInvalidCommand)
	}
	if words[0] != leading {
		return nil, fmt.Errorf("%w: command must start with %q", models.ErrInvalidCommand, leading)
	}

	tmpl := &Template{Raw: raw, Leading: leading}
	args := words[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if reason, blocked := blockedFlag(arg); blocked {
			return nil, fmt.Errorf("%w: flag %s is not allowed: %s", models.ErrInvalidCommand, arg, reason)
		}

		if filterFlags[arg] {
			if i+1 >= len(args) {
				// Trailing filter flag with no graph.
				continue
			}
			if noopFilters[strings.TrimSpace(args[i+1])] {
				i++
				continue
			}
		}

		tmpl.Tokens = append(tmpl.Tokens, classify(arg))
	}

	return tmpl, nil
}

func classify(arg string) Token {
	switch arg {
	case InputPlaceholder:
		return Token{Kind: TokenInput, Value: arg}
	case OutputPlaceholder:
		return Token{Kind: TokenOutput, Value: arg}
	default:
		return Token{Kind: TokenLiteral, Value: arg}
	}
}

func blockedFlag(arg string) (string, bool) {
	if reason, ok := blockedFlags[arg]; ok {
		return reason, true
	}
	if strings.HasPrefix(arg, "-filter_script") {
		return blockedFlags["-filter_script"], true
	}
	return "", false
}

// Resolve returns the argument vector with every placeholder replaced.
func (t *Template) Resolve(input, output string) []string {
	args := make([]string, 0, len(t.Tokens))
	for _, tok := range t.Tokens {
		switch tok.Kind {
		case TokenInput:
			args = append(args, input)
		case TokenOutput:
			args = append(args, output)
		default:
			args = append(args, tok.Value)
		}
	}
	return args
}

// String returns the normalized template text.
func (t *Template) String() string {
	parts := make([]string, 0, len(t.Tokens)+1)
	parts = append(parts, t.Leading)
	for _, tok := range t.Tokens {
		parts = append(parts, tok.Value)
	}
	return strings.Join(parts, " ")
}

// splitArgs splits s on whitespace, honouring single and double quotes and
// backslash escapes. Quote characters are removed.
func splitArgs(s string) []string {
	var result []string
	var current strings.Builder
	inQuote := false
	quoted := false
	quoteChar := rune(0)
	escaped := false

	flush := func() {
		if current.Len() > 0 || quoted {
			result = append(result, current.String())
			current.Reset()
		}
		quoted = false
	}

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}

		if r == '\\' {
			escaped = true
			continue
		}

		if r == '"' || r == '\'' {
			switch {
			case !inQuote:
				inQuote = true
				quoted = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
			default:
				current.WriteRune(r)
			}
			continue
		}

		if !inQuote && (r == ' ' || r == '\t' || r == '\n' || r == '\r') {
			flush()
			continue
		}

		current.WriteRune(r)
	}
	flush()

	return result
}

// checkQuoteBalance verifies that quotes are balanced.
func checkQuoteBalance(s string) string {
	var open rune
	escaped := false

	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if r != '\'' && r != '"' {
			continue
		}
		switch open {
		case 0:
			open = r
		case r:
			open = 0
		}
	}

	switch open {
	case '\'':
		return "unbalanced single quotes"
	case '"':
		return "unbalanced double quotes"
	}
	return ""
}
