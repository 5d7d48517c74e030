package fetch

import (
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Document is a validated subscription. Body is the upstream response body
// byte for byte; it is never re-serialized.
type Document struct {
	URL        string
	Body       string
	FetchedAt  time.Time
	ProxyCount int
}

var (
	errInvalidUTF8         = errors.New("body is not valid UTF-8")
	errMultipleDocuments   = errors.New("expected a single YAML document")
	errTooLarge            = errors.New("body exceeds size limit")
	errMergeNestingTooDeep = errors.New("merge keys nested too deeply")
)

// maxMergeDepth bounds "<<" resolution when looking for the proxies key.
const maxMergeDepth = 8

// Validate checks that text is a single YAML document whose root is a
// mapping with a proxies key. It returns the number of entries when proxies
// is a sequence, 0 otherwise.
//
// The returned error is a *FetchError of KindMalformedDocument or
// KindMissingProxies with an empty URL.
func Validate(text string) (int, error) {
	return validate("", text)
}

func validate(rawURL, text string) (int, error) {
	if !utf8.ValidString(text) {
		return 0, malformedError(rawURL, errInvalidUTF8)
	}

	dec := yaml.NewDecoder(strings.NewReader(text))
	var root yaml.Node
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty stream decodes to null: not a mapping.
			return 0, missingProxiesError(rawURL)
		}
		return 0, malformedError(rawURL, err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errMultipleDocuments
		}
		return 0, malformedError(rawURL, err)
	}

	node := &root
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return 0, missingProxiesError(rawURL)
		}
		node = node.Content[0]
	}

	proxies, err := lookupKey(resolveAlias(node), "proxies", 0)
	if err != nil {
		return 0, malformedError(rawURL, err)
	}
	if proxies == nil {
		return 0, missingProxiesError(rawURL)
	}
	if proxies.Kind == yaml.SequenceNode {
		return len(proxies.Content), nil
	}
	return 0, nil
}

// lookupKey returns the value node for key in a mapping, following "<<"
// merge keys. It returns nil if n is not a mapping or lacks the key.
func lookupKey(n *yaml.Node, key string, depth int) (*yaml.Node, error) {
	if depth > maxMergeDepth {
		return nil, errMergeNestingTooDeep
	}
	if n == nil || n.Kind != yaml.MappingNode {
		return nil, nil
	}

	var merges []*yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			continue
		}
		if k.ShortTag() == "!!merge" {
			merges = append(merges, resolveAlias(v))
			continue
		}
		if k.Value == key && k.ShortTag() == "!!str" {
			return resolveAlias(v), nil
		}
	}

	// Explicit keys win over merged ones, so merges are checked last.
	for _, m := range merges {
		sources := []*yaml.Node{m}
		if m.Kind == yaml.SequenceNode {
			sources = m.Content
		}
		for _, src := range sources {
			v, err := lookupKey(resolveAlias(src), key, depth+1)
			if err != nil || v != nil {
				return v, err
			}
		}
	}
	return nil, nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}
