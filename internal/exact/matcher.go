// Package exact implements the exact-match layer of the inference service.
// Sentences whose preprocessed form was seen in the training dataset are
// answered directly from a trie, bypassing the neural parser. Literal string
// spans in the stored code are replaced with positional references so that a
// sentence matches regardless of the quoted words it contains.
package exact

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"nlp-backend/internal/btrie"
)

// at most 20 candidate parses per sentence
const resultLimit = 20

var backrefPattern = regexp.MustCompile(`^\\[0-9]+$`)

type trieNode struct {
	children map[string]*trieNode
	order    []string
	values   []string
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

func (n *trieNode) child(key string) *trieNode {
	c := n.children[key]
	if c == nil {
		c = newTrieNode()
		n.children[key] = c
		n.order = append(n.order, key)
	}
	return c
}

// addValue appends the value, keeping at most resultLimit entries. Re-adding
// an existing value moves it to the back so recent additions win.
func (n *trieNode) addValue(value string) {
	for i, v := range n.values {
		if v == value {
			n.values = append(n.values[:i], n.values[i+1:]...)
			break
		}
	}
	n.values = append(n.values, value)
	if len(n.values) > resultLimit {
		n.values = n.values[1:]
	}
}

func (n *trieNode) search(sequence []string) []string {
	if len(sequence) == 0 {
		return n.values
	}
	if c := n.children[sequence[0]]; c != nil {
		if values := c.search(sequence[1:]); values != nil {
			return values
		}
	}
	if c := n.children[btrie.Wildcard]; c != nil {
		return c.search(sequence[1:])
	}
	return nil
}

// Matcher answers sentences from a compiled trie file, plus an in-memory
// overlay for examples added since the file was built. Reloading a new file
// discards the overlay.
type Matcher struct {
	mu      sync.RWMutex
	base    *btrie.Trie
	overlay *trieNode
}

func NewMatcher() *Matcher {
	return &Matcher{overlay: newTrieNode()}
}

// Load replaces the compiled base with the given trie file contents.
func (m *Matcher) Load(data []byte) error {
	base, err := btrie.New(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = base
	m.overlay = newTrieNode()
	return nil
}

func findSpan(sequence, span []string) int {
	for i := 0; i <= len(sequence)-len(span); i++ {
		found := true
		for j := range span {
			if sequence[i+j] != span[j] {
				found = false
				break
			}
		}
		if found {
			return i
		}
	}
	return -1
}

// wildcardSpans rewrites the utterance and code for insertion: every quoted
// span of the code that appears verbatim in the utterance is replaced with
// wildcards on the utterance side and positional backreferences on the code
// side.
func wildcardSpans(utterance, code []string) ([]string, []string) {
	inString := false
	spanBegin := 0
	for i, token := range code {
		if token != `"` {
			continue
		}
		inString = !inString
		if inString {
			spanBegin = i + 1
			continue
		}

		span := code[spanBegin:i]
		beginIndex := findSpan(utterance, span)
		if beginIndex < 0 {
			continue
		}
		for j := beginIndex; j < beginIndex+len(span); j++ {
			utterance[j] = btrie.Wildcard
		}
		for j := spanBegin; j < i; j++ {
			code[j] = `\` + strconv.Itoa(beginIndex+j-spanBegin)
		}
	}

	if len(utterance) > 0 && utterance[len(utterance)-1] == "." {
		utterance = utterance[:len(utterance)-1]
	}
	return utterance, code
}

// Add records one preprocessed sentence and its code in the overlay.
func (m *Matcher) Add(preprocessed, targetCode string) {
	utterance, code := wildcardSpans(strings.Split(preprocessed, " "), strings.Split(targetCode, " "))

	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.overlay
	for _, key := range utterance {
		node = node.child(key)
	}
	node.addValue(strings.Join(code, " "))
}

// Get returns all stored codes matching the tokenized sentence, most recently
// added first, with backreferences substituted with the sentence's own
// tokens. Returns nil when there is no exact match.
func (m *Matcher) Get(utterance []string) [][]string {
	if len(utterance) > 0 && utterance[len(utterance)-1] == "." {
		utterance = utterance[:len(utterance)-1]
	}

	m.mu.RLock()
	var candidates []string
	if m.base != nil {
		if joined, ok := m.base.Search(utterance); ok {
			candidates = append(candidates, strings.Split(joined, "\x00")...)
		}
	}
	candidates = append(candidates, m.overlay.search(utterance)...)
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	// dedupe keeping the last occurrence, then newest first
	seen := make(map[string]struct{}, len(candidates))
	var deduped []string
	for i := len(candidates) - 1; i >= 0; i-- {
		if _, ok := seen[candidates[i]]; ok {
			continue
		}
		seen[candidates[i]] = struct{}{}
		deduped = append(deduped, candidates[i])
	}
	if len(deduped) > resultLimit {
		deduped = deduped[:resultLimit]
	}

	results := make([][]string, len(deduped))
	for i, candidate := range deduped {
		code := strings.Split(candidate, " ")
		for j, token := range code {
			if backrefPattern.MatchString(token) {
				idx, _ := strconv.Atoi(token[1:])
				if idx < len(utterance) {
					code[j] = utterance[idx]
				}
			}
		}
		results[i] = code
	}
	return results
}

// Build serializes the overlay into the compiled trie file format. Used when
// recompiling a language's exact-match file from the full dataset.
func (m *Matcher) Build() ([]byte, error) {
	builder := btrie.NewBuilder(func(existing, added string) string {
		return existing + "\x00" + added
	})

	m.mu.RLock()
	m.overlay.dump(nil, builder)
	m.mu.RUnlock()

	return builder.Build()
}

func (n *trieNode) dump(prefix []string, builder *btrie.Builder) {
	for _, value := range n.values {
		builder.Insert(prefix, value)
	}
	for _, key := range n.order {
		n.children[key].dump(append(prefix, key), builder)
	}
}
