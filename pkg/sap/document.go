// Package sap models Semantic Application Profile documents (JSAP/YSAP):
// the declarative profiles that bind friendly names to parameterized SPARQL
// query and update templates, default namespace prefixes, and SEPA broker
// endpoint metadata. A Document is validated eagerly at load time and is
// immutable afterwards, so it can be shared read-only across components.
package sap

import (
	"fmt"
	"regexp"
)

// Kind distinguishes query templates from update templates
type Kind string

const (
	// KindQuery marks a SPARQL query template
	KindQuery Kind = "query"

	// KindUpdate marks a SPARQL update template
	KindUpdate Kind = "update"
)

// ResolvedRequest is a fully substituted, prefix-qualified SPARQL request
// ready to be dispatched to the broker. It is produced fresh per call.
type ResolvedRequest struct {
	Text string
	Kind Kind
}

// Binding describes a template variable: its value type and an optional
// default. An empty Value means the variable has no default and must be
// supplied by the caller at resolution time.
type Binding struct {
	Type  string `yaml:"type" json:"type"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Binding value types
const (
	BindingLiteral = "literal"
	BindingURI     = "uri"
)

// Template is a named SPARQL query or update body with its declared
// forced bindings.
type Template struct {
	Sparql         string             `yaml:"sparql" json:"sparql"`
	ForcedBindings map[string]Binding `yaml:"forcedBindings,omitempty" json:"forcedBindings,omitempty"`
}

// PathConfig holds the path of a single HTTP resource
type PathConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ProtocolConfig describes the SPARQL 1.1 protocol endpoints (query/update
// over HTTP)
type ProtocolConfig struct {
	Host     string     `yaml:"host,omitempty" json:"host,omitempty"`
	Protocol string     `yaml:"protocol" json:"protocol"`
	Port     int        `yaml:"port" json:"port"`
	Query    PathConfig `yaml:"query" json:"query"`
	Update   PathConfig `yaml:"update" json:"update"`
}

// WebsocketConfig describes one subscription transport (ws or wss)
type WebsocketConfig struct {
	Port int    `yaml:"port" json:"port"`
	Path string `yaml:"path" json:"path"`
}

// SecurityConfig describes the OAuth endpoints and cached credentials for
// the secure request path. All fields are optional; a profile without a
// security section only supports unsecure requests.
type SecurityConfig struct {
	Host         string `yaml:"host,omitempty" json:"host,omitempty"`
	Port         int    `yaml:"port,omitempty" json:"port,omitempty"`
	Registration string `yaml:"registration,omitempty" json:"registration,omitempty"`
	TokenRequest string `yaml:"tokenRequest,omitempty" json:"tokenRequest,omitempty"`
	SecurePath   string `yaml:"securePath,omitempty" json:"securePath,omitempty"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
}

// SEProtocolConfig describes the SPARQL 1.1 SE protocol endpoints
// (subscriptions over WebSocket)
type SEProtocolConfig struct {
	Host               string                     `yaml:"host,omitempty" json:"host,omitempty"`
	Protocol           string                     `yaml:"protocol" json:"protocol"`
	AvailableProtocols map[string]WebsocketConfig `yaml:"availableProtocols" json:"availableProtocols"`
	Security           *SecurityConfig            `yaml:"security,omitempty" json:"security,omitempty"`
}

// Document is the in-memory representation of a loaded semantic application
// profile. Treat it as immutable once Validate has succeeded.
type Document struct {
	Host               string              `yaml:"host" json:"host"`
	Sparql11Protocol   ProtocolConfig      `yaml:"sparql11protocol" json:"sparql11protocol"`
	Sparql11SEProtocol SEProtocolConfig    `yaml:"sparql11seprotocol" json:"sparql11seprotocol"`
	Namespaces         map[string]string   `yaml:"namespaces,omitempty" json:"namespaces,omitempty"`
	Queries            map[string]Template `yaml:"queries,omitempty" json:"queries,omitempty"`
	Updates            map[string]Template `yaml:"updates,omitempty" json:"updates,omitempty"`
}

// variable names follow the SPARQL production for simple VARNAMEs
var varNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the document for structural problems: missing network
// configuration, malformed binding variables, bindings that never occur in
// their template body, and unknown binding types. Malformed templates are
// rejected here rather than deep inside resolution.
func (d *Document) Validate() error {
	if d.Host == "" {
		return &ValidationError{Field: "host", Reason: "missing"}
	}
	if d.Sparql11Protocol.Port <= 0 {
		return &ValidationError{Field: "sparql11protocol.port", Reason: "missing or not positive"}
	}
	if d.Sparql11Protocol.Query.Path == "" {
		return &ValidationError{Field: "sparql11protocol.query.path", Reason: "missing"}
	}
	if d.Sparql11Protocol.Update.Path == "" {
		return &ValidationError{Field: "sparql11protocol.update.path", Reason: "missing"}
	}
	if _, ok := d.Sparql11SEProtocol.AvailableProtocols["ws"]; !ok {
		return &ValidationError{Field: "sparql11seprotocol.availableProtocols.ws", Reason: "missing"}
	}
	for name, tpl := range d.Queries {
		if err := validateTemplate(name, tpl); err != nil {
			return err
		}
	}
	for name, tpl := range d.Updates {
		if err := validateTemplate(name, tpl); err != nil {
			return err
		}
	}
	return nil
}

func validateTemplate(name string, tpl Template) error {
	if tpl.Sparql == "" {
		return &ValidationError{
			Field:  fmt.Sprintf("template %q", name),
			Reason: "empty sparql body",
		}
	}
	for variable, binding := range tpl.ForcedBindings {
		if !varNameRe.MatchString(variable) {
			return &ValidationError{
				Field:  fmt.Sprintf("template %q binding %q", name, variable),
				Reason: "not a valid variable name",
			}
		}
		switch binding.Type {
		case BindingLiteral, BindingURI, "":
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("template %q binding %q", name, variable),
				Reason: fmt.Sprintf("unknown binding type %q", binding.Type),
			}
		}
		if !placeholderPattern(variable).MatchString(tpl.Sparql) {
			return &ValidationError{
				Field:  fmt.Sprintf("template %q binding %q", name, variable),
				Reason: "variable does not occur in the sparql body",
			}
		}
	}
	return nil
}

// placeholderPattern matches a ?var or $var reference to the given
// variable, bounded so that ?topic never matches inside ?topic2.
func placeholderPattern(variable string) *regexp.Regexp {
	return regexp.MustCompile(`[?$]` + regexp.QuoteMeta(variable) + `\b`)
}

// QueryURL returns the HTTP endpoint for SPARQL queries
func (d *Document) QueryURL() string {
	return fmt.Sprintf("http://%s:%d%s", d.httpHost(), d.Sparql11Protocol.Port, d.Sparql11Protocol.Query.Path)
}

// UpdateURL returns the HTTP endpoint for SPARQL updates
func (d *Document) UpdateURL() string {
	return fmt.Sprintf("http://%s:%d%s", d.httpHost(), d.Sparql11Protocol.Port, d.Sparql11Protocol.Update.Path)
}

// SubscribeURL returns the WebSocket endpoint for subscriptions
func (d *Document) SubscribeURL() string {
	ws := d.Sparql11SEProtocol.AvailableProtocols["ws"]
	return fmt.Sprintf("ws://%s:%d%s", d.seHost(), ws.Port, ws.Path)
}

// SecureQueryURL returns the HTTPS endpoint for authenticated queries
func (d *Document) SecureQueryURL() string {
	sec := d.security()
	return fmt.Sprintf("https://%s:%d%s%s", d.httpHost(), sec.Port, sec.SecurePath, d.Sparql11Protocol.Query.Path)
}

// SecureUpdateURL returns the HTTPS endpoint for authenticated updates
func (d *Document) SecureUpdateURL() string {
	sec := d.security()
	return fmt.Sprintf("https://%s:%d%s%s", d.httpHost(), sec.Port, sec.SecurePath, d.Sparql11Protocol.Update.Path)
}

// SecureSubscribeURL returns the WSS endpoint for authenticated
// subscriptions
func (d *Document) SecureSubscribeURL() string {
	wss := d.Sparql11SEProtocol.AvailableProtocols["wss"]
	sec := d.security()
	return fmt.Sprintf("wss://%s:%d%s%s", d.seHost(), wss.Port, sec.SecurePath, wss.Path)
}

// RegistrationURL returns the OAuth client registration endpoint
func (d *Document) RegistrationURL() string {
	sec := d.security()
	return fmt.Sprintf("https://%s:%d%s", d.secureHost(), sec.Port, sec.Registration)
}

// TokenRequestURL returns the OAuth token request endpoint
func (d *Document) TokenRequestURL() string {
	sec := d.security()
	return fmt.Sprintf("https://%s:%d%s", d.secureHost(), sec.Port, sec.TokenRequest)
}

func (d *Document) httpHost() string {
	if d.Sparql11Protocol.Host != "" {
		return d.Sparql11Protocol.Host
	}
	return d.Host
}

func (d *Document) seHost() string {
	if d.Sparql11SEProtocol.Host != "" {
		return d.Sparql11SEProtocol.Host
	}
	return d.Host
}

func (d *Document) secureHost() string {
	sec := d.security()
	if sec.Host != "" {
		return sec.Host
	}
	return d.Host
}

func (d *Document) security() SecurityConfig {
	if d.Sparql11SEProtocol.Security == nil {
		return SecurityConfig{}
	}
	return *d.Sparql11SEProtocol.Security
}
