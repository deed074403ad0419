package sap

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// resolverCacheSize bounds the number of per-template placeholder scans
// kept around. Only the scan is cached; resolved text is always built
// fresh because bindings vary per call.
const resolverCacheSize = 128

// Resolver turns a named template plus a set of forced bindings into a
// concrete, prefix-qualified SPARQL request. It is a pure function of the
// profile document and its inputs and is safe for concurrent use.
type Resolver struct {
	doc   *Document
	cache *lru.Cache
}

// compiledTemplate is the cached placeholder scan for one template
type compiledTemplate struct {
	variables []string
	patterns  map[string]*regexp.Regexp
}

// NewResolver creates a resolver over the given profile document
func NewResolver(doc *Document) *Resolver {
	cache, _ := lru.New(resolverCacheSize)
	return &Resolver{doc: doc, cache: cache}
}

// Resolve looks up the template registered under name for the given kind,
// substitutes every declared variable using forced bindings first and
// template defaults second, and prepends the PREFIX declarations the
// resolved body actually references. A declared variable with neither a
// forced value nor a default fails with an UnboundVariableError.
func (r *Resolver) Resolve(name string, forced map[string]string, kind Kind) (*ResolvedRequest, error) {
	var tpl Template
	var ok bool
	switch kind {
	case KindQuery:
		tpl, ok = r.doc.Queries[name]
	case KindUpdate:
		tpl, ok = r.doc.Updates[name]
	default:
		return nil, fmt.Errorf("unknown template kind %q", kind)
	}
	if !ok {
		return nil, fmt.Errorf("%s template %q: %w", kind, name, ErrUnknownTemplate)
	}

	compiled := r.compiled(kind, name, tpl)

	body := tpl.Sparql
	for _, variable := range compiled.variables {
		binding := tpl.ForcedBindings[variable]
		value, present := forced[variable]
		if !present {
			value = binding.Value
		}
		if value == "" {
			return nil, &UnboundVariableError{Variable: variable}
		}
		body = compiled.patterns[variable].ReplaceAllLiteralString(body, r.renderValue(binding.Type, value))
	}

	return &ResolvedRequest{Text: r.prefixHeader(body) + body, Kind: kind}, nil
}

// compiled returns the cached placeholder scan for a template, building it
// on first use
func (r *Resolver) compiled(kind Kind, name string, tpl Template) *compiledTemplate {
	key := string(kind) + ":" + name
	if cached, ok := r.cache.Get(key); ok {
		return cached.(*compiledTemplate)
	}

	variables := make([]string, 0, len(tpl.ForcedBindings))
	patterns := make(map[string]*regexp.Regexp, len(tpl.ForcedBindings))
	for variable := range tpl.ForcedBindings {
		variables = append(variables, variable)
		patterns[variable] = placeholderPattern(variable)
	}
	sort.Strings(variables)

	compiled := &compiledTemplate{variables: variables, patterns: patterns}
	r.cache.Add(key, compiled)
	return compiled
}

// renderValue turns a binding value into its SPARQL surface form. Literals
// are quoted; URIs are rendered in prefixed form when a matching namespace
// exists, kept as-is when already prefixed, and wrapped in angle brackets
// otherwise.
func (r *Resolver) renderValue(bindingType, value string) string {
	if bindingType != BindingURI {
		return "'" + strings.ReplaceAll(value, "'", `\'`) + "'"
	}

	if colon := strings.Index(value, ":"); colon > 0 {
		if _, known := r.doc.Namespaces[value[:colon]]; known {
			return value
		}
	}

	// compress against the longest matching namespace
	bestPrefix, bestLen := "", 0
	for prefix, ns := range r.doc.Namespaces {
		if strings.HasPrefix(value, ns) && len(ns) > bestLen {
			bestPrefix, bestLen = prefix, len(ns)
		}
	}
	if bestLen > 0 && bestLen < len(value) {
		return bestPrefix + ":" + value[bestLen:]
	}

	return "<" + value + ">"
}

// prefixHeader emits PREFIX declarations, in stable order, for exactly the
// prefixes the resolved body references
func (r *Resolver) prefixHeader(body string) string {
	prefixes := make([]string, 0, len(r.doc.Namespaces))
	for prefix := range r.doc.Namespaces {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	var header strings.Builder
	for _, prefix := range prefixes {
		used := regexp.MustCompile(`\b` + regexp.QuoteMeta(prefix) + `:`)
		if used.MatchString(body) {
			fmt.Fprintf(&header, "PREFIX %s: <%s>\n", prefix, r.doc.Namespaces[prefix])
		}
	}
	return header.String()
}
