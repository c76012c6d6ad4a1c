// Package assets maps textual asset identifiers to numeric upstream ids and
// resolves the polymorphic subscribe payloads emitted by older clients.
package assets

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/optionproxy/optionproxy/errs"
)

// Registry is the immutable process-wide asset table. Built once at startup
// and shared read-only across sessions.
type Registry struct {
	byName map[string]int
	byID   map[int]string
}

// NewRegistry builds a registry from a name→id table.
func NewRegistry(table map[string]int) *Registry {
	r := &Registry{
		byName: make(map[string]int, len(table)),
		byID:   make(map[int]string, len(table)),
	}
	for name, id := range table {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		r.byName[trimmed] = id
		r.byID[id] = trimmed
	}
	return r
}

// Lookup resolves a textual asset name.
func (r *Registry) Lookup(name string) (int, bool) {
	id, ok := r.byName[strings.TrimSpace(name)]
	return id, ok
}

// Name returns the textual identifier for a numeric id, if known.
func (r *Registry) Name(id int) (string, bool) {
	name, ok := r.byID[id]
	return name, ok
}

// Len reports the number of mapped assets.
func (r *Registry) Len() int { return len(r.byName) }

// target is the decoded form of a subscribe payload: exactly one branch set.
type target struct {
	name    string
	id      int
	hasID   bool
	wrapped json.RawMessage
}

// Resolve accepts a bare string, a bare number, or a structured wrapper with
// one of the keys {active, name, id, msg, payload} and resolves it to a
// numeric id plus the textual name when one is known. Numbers are treated as
// ids directly; string lookup failures fail with the unknown-asset error.
func (r *Registry) Resolve(raw json.RawMessage) (int, string, error) {
	t, err := decodeTarget(raw)
	if err != nil {
		return 0, "", errs.New("assets/resolve", errs.CodeInvalid,
			errs.WithMessage("payload de inscrição inválido"), errs.WithCause(err))
	}

	switch {
	case t.hasID:
		name, _ := r.Name(t.id)
		return t.id, name, nil
	case t.name != "":
		id, ok := r.Lookup(t.name)
		if !ok {
			return 0, "", errs.New("assets/resolve", errs.CodeUnknownAsset,
				errs.WithMessage(fmt.Sprintf("Ativo desconhecido: %s", t.name)))
		}
		return id, t.name, nil
	case len(t.wrapped) > 0:
		return r.Resolve(t.wrapped)
	default:
		return 0, "", errs.New("assets/resolve", errs.CodeInvalid,
			errs.WithMessage("payload de inscrição vazio"))
	}
}

func decodeTarget(raw json.RawMessage) (target, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return target{}, nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return target{}, err
		}
		return targetFromString(s), nil
	case '{':
		return decodeWrapper(raw)
	case '[':
		return target{}, fmt.Errorf("array payload not supported")
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return target{}, err
		}
		id, err := strconv.Atoi(n.String())
		if err != nil {
			return target{}, fmt.Errorf("non-integer asset id %q", n.String())
		}
		return target{id: id, hasID: true}, nil
	}
}

func decodeWrapper(raw json.RawMessage) (target, error) {
	var wrapper struct {
		Active  json.RawMessage `json:"active"`
		Name    json.RawMessage `json:"name"`
		ID      json.RawMessage `json:"id"`
		Msg     json.RawMessage `json:"msg"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return target{}, err
	}
	// Recognition order mirrors the historical client shapes: explicit id
	// first, then the textual keys, then nested wrappers.
	for _, candidate := range []json.RawMessage{wrapper.ID, wrapper.Active, wrapper.Name} {
		if len(candidate) == 0 || string(candidate) == "null" {
			continue
		}
		return decodeTarget(candidate)
	}
	for _, nested := range []json.RawMessage{wrapper.Msg, wrapper.Payload} {
		if len(nested) == 0 || string(nested) == "null" {
			continue
		}
		return target{wrapped: nested}, nil
	}
	return target{}, nil
}

func targetFromString(s string) target {
	trimmed := strings.TrimSpace(s)
	// Some client builds stringify numeric ids.
	if id, err := strconv.Atoi(trimmed); err == nil {
		return target{id: id, hasID: true}
	}
	return target{name: trimmed}
}
