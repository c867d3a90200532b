package codes

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

/*
Parser for the serialized target-code token sequences stored with every
example. The grammar is deliberately shallow: a code is a flat sequence of
tokens, of which we only distinguish the kinds the pipeline cares about:

	Code        := Token*
	Token       := FunctionRef | DeviceRef | QuotedSpan | Word
	FunctionRef := "@" <dotted name> "." <identifier>
	DeviceRef   := "device:" <dotted name>
	QuotedSpan  := '"' Word* '"'

Everything else (keywords, params, entity placeholders) is an opaque Word.
*/

var (
	codeLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "FunctionRef", Pattern: `@[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)+`},
		{Name: "DeviceRef", Pattern: `device:[A-Za-z0-9_.-]+`},
		{Name: "Quote", Pattern: `"`},
		{Name: "Word", Pattern: `[^\s"]+`},
		{Name: "whitespace", Pattern: `\s+`},
	})

	parser = participle.MustBuild[Code](
		participle.Lexer(codeLexer),
	)
)

type Code struct {
	Tokens []*Token `@@*`
}

type Token struct {
	Function string `  @FunctionRef`
	Device   string `| @DeviceRef`
	Quoted   *Span  `| @@`
	Word     string `| @Word`
}

type Span struct {
	Words []string `Quote @Word* Quote`
}

func Parse(code string) (*Code, error) {
	c, err := parser.ParseString("", code)
	if err != nil {
		return nil, fmt.Errorf("error parsing target code '%s': %w", code, err)
	}
	return c, nil
}

// String serializes the code back to its canonical single-space form.
func (c *Code) String() string {
	var out []string
	for _, tok := range c.Tokens {
		switch {
		case tok.Function != "":
			out = append(out, tok.Function)
		case tok.Device != "":
			out = append(out, tok.Device)
		case tok.Quoted != nil:
			out = append(out, `"`)
			out = append(out, tok.Quoted.Words...)
			out = append(out, `"`)
		default:
			out = append(out, tok.Word)
		}
	}
	return strings.Join(out, " ")
}

// Devices returns the distinct device identifiers the code mentions, in
// order of first appearance. A function reference @com.twitter.post counts
// as a mention of com.twitter.
func (c *Code) Devices() []string {
	var devices []string
	seen := make(map[string]struct{})

	add := func(d string) {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			devices = append(devices, d)
		}
	}

	for _, tok := range c.Tokens {
		switch {
		case tok.Function != "":
			name := strings.TrimPrefix(tok.Function, "@")
			if i := strings.LastIndex(name, "."); i > 0 {
				add(name[:i])
			}
		case tok.Device != "":
			add(strings.TrimPrefix(tok.Device, "device:"))
		}
	}
	return devices
}

// Functions returns every function reference as a (device, function) pair.
func (c *Code) Functions() [][2]string {
	var fns [][2]string
	for _, tok := range c.Tokens {
		if tok.Function == "" {
			continue
		}
		name := strings.TrimPrefix(tok.Function, "@")
		i := strings.LastIndex(name, ".")
		if i <= 0 {
			continue
		}
		fns = append(fns, [2]string{name[:i], name[i+1:]})
	}
	return fns
}

// QuotedSpan is a literal string span with its position in the flat token
// sequence. Begin is the index of the opening quote; the words occupy
// [Begin+1, Begin+1+len(Words)).
type QuotedSpan struct {
	Begin int
	Words []string
}

// Spans returns the quoted string spans of the code with flat positions.
func (c *Code) Spans() []QuotedSpan {
	var spans []QuotedSpan
	pos := 0
	for _, tok := range c.Tokens {
		if tok.Quoted != nil {
			spans = append(spans, QuotedSpan{Begin: pos, Words: tok.Quoted.Words})
			pos += len(tok.Quoted.Words) + 2
		} else {
			pos++
		}
	}
	return spans
}

// MentionsAny reports whether the code references at least one device from
// the given set.
func (c *Code) MentionsAny(devices map[string]struct{}) bool {
	for _, d := range c.Devices() {
		if _, ok := devices[d]; ok {
			return true
		}
	}
	return false
}
