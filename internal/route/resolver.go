package route

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"
)

// Routing failure classes. All three surface to clients as 404; the
// distinction is kept for the request event.
var (
	ErrNoAPIMatch        = errors.New("no api base path matches")
	ErrUnknownVersion    = errors.New("no version segment matches")
	ErrOperationNotFound = errors.New("no operation template matches")
)

// APISpec describes one versioned API for registration.
type APISpec struct {
	Name       string // API identity, unique across the snapshot
	BasePath   string // shared base path of the version set, e.g. "/stock"
	Version    string // version segment label, e.g. "v1"
	Operations []OperationSpec
}

// OperationSpec describes one routable operation.
type OperationSpec struct {
	ID       string
	Method   string
	Template string // relative template: fixed segments and {param} segments
}

// Match is a successful resolution.
type Match struct {
	APIName     string
	OperationID string
	Params      map[string]string
	Remainder   string // path after base path and version segment, for the backend call
}

// versionEntry is one member API of a version set: its operation templates
// compiled into an httprouter tree.
type versionEntry struct {
	apiName string
	tree    *httprouter.Router
}

// baseEntry groups the version labels sharing one base path.
type baseEntry struct {
	basePath string
	segments []string
	versions map[string]*versionEntry // label -> member, exact case-sensitive match
}

// Resolver maps (method, path) to a concrete (API, operation) pair.
// It is immutable after Build; concurrent readers never block each other.
type Resolver struct {
	bases []*baseEntry // sorted longest base path first
}

// Builder accumulates API registrations and produces an immutable Resolver.
type Builder struct {
	bases map[string]*baseEntry
}

// NewBuilder creates an empty resolver builder.
func NewBuilder() *Builder {
	return &Builder{bases: make(map[string]*baseEntry)}
}

// AddAPI registers an API version and its operation templates. Ambiguous
// templates inside one API are reported as errors, not panics.
func (b *Builder) AddAPI(spec APISpec) (err error) {
	base := "/" + strings.Trim(spec.BasePath, "/")

	entry, ok := b.bases[base]
	if !ok {
		entry = &baseEntry{
			basePath: base,
			segments: splitPath(base),
			versions: make(map[string]*versionEntry),
		}
		b.bases[base] = entry
	}

	if _, exists := entry.versions[spec.Version]; exists {
		return fmt.Errorf("api %s: version %q already registered under %s", spec.Name, spec.Version, base)
	}

	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	// httprouter panics on conflicting patterns; an operation set it
	// cannot express unambiguously is a configuration error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("api %s: ambiguous operation templates: %v", spec.Name, r)
		}
	}()

	for _, op := range spec.Operations {
		tree.Handle(op.Method, replaceParams(op.Template), captureHandle(op.ID))
	}

	entry.versions[spec.Version] = &versionEntry{apiName: spec.Name, tree: tree}
	return nil
}

// Build finalizes the resolver. Base paths are ordered longest first so the
// most specific base path wins when one prefixes another.
func (b *Builder) Build() *Resolver {
	bases := make([]*baseEntry, 0, len(b.bases))
	for _, e := range b.bases {
		bases = append(bases, e)
	}
	sort.Slice(bases, func(i, j int) bool {
		if len(bases[i].segments) != len(bases[j].segments) {
			return len(bases[i].segments) > len(bases[j].segments)
		}
		return bases[i].basePath < bases[j].basePath
	})
	return &Resolver{bases: bases}
}

// Resolve maps a request method and path to an operation.
func (r *Resolver) Resolve(method, path string) (*Match, error) {
	reqSegments := splitPath(path)

	entry := r.matchBase(reqSegments)
	if entry == nil {
		return nil, ErrNoAPIMatch
	}

	// The segment after the base path is the version label.
	rest := reqSegments[len(entry.segments):]
	if len(rest) == 0 {
		return nil, ErrUnknownVersion
	}
	ver, ok := entry.versions[rest[0]]
	if !ok {
		return nil, ErrUnknownVersion
	}

	remainder := "/" + strings.Join(rest[1:], "/")

	handle, params, _ := ver.tree.Lookup(method, remainder)
	if handle == nil {
		return nil, ErrOperationNotFound
	}

	cw := &capture{}
	handle(cw, nil, params)

	pathParams := make(map[string]string, len(params))
	for _, p := range params {
		pathParams[p.Key] = p.Value
	}

	return &Match{
		APIName:     ver.apiName,
		OperationID: cw.opID,
		Params:      pathParams,
		Remainder:   remainder,
	}, nil
}

// matchBase returns the longest base path whose segments prefix the request.
func (r *Resolver) matchBase(reqSegments []string) *baseEntry {
	for _, e := range r.bases {
		if pathHasPrefix(reqSegments, e.segments) {
			return e
		}
	}
	return nil
}

// capture is a no-op ResponseWriter used to extract the operation ID from
// httprouter dispatch without writing any actual HTTP response.
type capture struct {
	opID   string
	header http.Header
}

func (c *capture) Header() http.Header {
	if c.header == nil {
		c.header = make(http.Header)
	}
	return c.header
}

func (c *capture) Write([]byte) (int, error) { return 0, nil }
func (c *capture) WriteHeader(int)           {}

// captureHandle returns a handle that records the operation ID on the
// capture writer.
func captureHandle(opID string) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		if c, ok := w.(*capture); ok {
			c.opID = opID
		}
	}
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}

// replaceParams converts {name} template parameters to :name httprouter syntax.
func replaceParams(template string) string {
	var result strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			j := strings.IndexByte(template[i:], '}')
			if j == -1 {
				result.WriteByte(template[i])
				i++
				continue
			}
			result.WriteByte(':')
			result.WriteString(template[i+1 : i+j])
			i += j + 1
		} else {
			result.WriteByte(template[i])
			i++
		}
	}
	return result.String()
}
