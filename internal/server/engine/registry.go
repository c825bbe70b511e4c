package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/validation"
)

const (
	defaultStatusField = "status"
	statusHistoryField = "statusHistory"
	idField            = "id"
)

// EntityType describes one synchronized entity type.
type EntityType struct {
	Name string
	// Statuses lists the allowed values of the status field. Empty allows any.
	Statuses []string
	// AppendFields lists the list fields accepting append operations.
	// Empty allows any field name.
	AppendFields []string
	// StatusField defaults to "status".
	StatusField string
}

// Mutation is the input of an intent handler.
type Mutation struct {
	Current  *models.Entity // nil for creates of new entities
	Op       *models.OfflineOperation
	Type     EntityType
	EntityID string
}

// Handler computes the new entity document for an accepted operation.
type Handler func(m Mutation) (json.RawMessage, error)

type handlerKey struct {
	entityType string
	intent     models.Intent
}

// Registry is the dispatch table (entity type, intent) -> handler.
type Registry struct {
	types    map[string]EntityType
	handlers map[handlerKey]Handler
}

// NewRegistry registers every type with the default create, update,
// statusChange and append handlers.
func NewRegistry(types []EntityType) (*Registry, error) {
	r := &Registry{
		types:    make(map[string]EntityType, len(types)),
		handlers: make(map[handlerKey]Handler),
	}

	for _, t := range types {
		if err := validation.ValidateEntityType(t.Name); err != nil {
			return nil, err
		}
		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("entity type %q registered twice", t.Name)
		}
		if t.StatusField == "" {
			t.StatusField = defaultStatusField
		}
		r.types[t.Name] = t

		r.Register(t.Name, models.IntentCreate, createHandler)
		r.Register(t.Name, models.IntentUpdate, updateHandler)
		r.Register(t.Name, models.IntentStatusChange, statusChangeHandler)
		r.Register(t.Name, models.IntentAppend, appendHandler)
	}

	return r, nil
}

// Register installs or replaces the handler for (entityType, intent).
func (r *Registry) Register(entityType string, intent models.Intent, h Handler) {
	r.handlers[handlerKey{entityType: entityType, intent: intent}] = h
}

// Lookup returns the entity type and handler for an operation.
func (r *Registry) Lookup(entityType string, intent models.Intent) (EntityType, Handler, error) {
	t, ok := r.types[entityType]
	if !ok {
		return EntityType{}, nil, validationError(CodeUnknownEntityType, "unknown entity type %q", entityType)
	}
	h, ok := r.handlers[handlerKey{entityType: entityType, intent: intent}]
	if !ok {
		return EntityType{}, nil, validationError(CodeUnsupportedIntent, "%s does not support %s", entityType, intent)
	}
	return t, h, nil
}

// Has reports whether entityType is registered.
func (r *Registry) Has(entityType string) bool {
	_, ok := r.types[entityType]
	return ok
}

// Type returns the registered entity type.
func (r *Registry) Type(entityType string) (EntityType, bool) {
	t, ok := r.types[entityType]
	return t, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func createHandler(m Mutation) (json.RawMessage, error) {
	doc, err := decodeObject(m.Op.Payload)
	if err != nil {
		return nil, err
	}

	if status, ok := doc[m.Type.StatusField]; ok {
		if err := checkStatus(m.Type, status); err != nil {
			return nil, err
		}
	}

	doc[idField] = m.EntityID
	return encodeObject(doc)
}

// updateHandler applies the payload as a JSON merge patch (RFC 7386).
func updateHandler(m Mutation) (json.RawMessage, error) {
	if m.Current == nil {
		return nil, notFoundError(CodeEntityNotFound, false, "%s/%s does not exist", m.Type.Name, m.EntityID)
	}

	patch, err := decodeObject(m.Op.Payload)
	if err != nil {
		return nil, err
	}
	if status, ok := patch[m.Type.StatusField]; ok {
		if err := checkStatus(m.Type, status); err != nil {
			return nil, err
		}
	}

	doc, err := mergeDocument(m.Current, m.Op.Payload)
	if err != nil {
		return nil, err
	}
	doc[idField] = m.EntityID
	return encodeObject(doc)
}

func statusChangeHandler(m Mutation) (json.RawMessage, error) {
	if m.Current == nil {
		return nil, notFoundError(CodeEntityNotFound, false, "%s/%s does not exist", m.Type.Name, m.EntityID)
	}

	payload, err := decodeObject(m.Op.Payload)
	if err != nil {
		return nil, err
	}
	status, ok := payload[m.Type.StatusField]
	if !ok {
		return nil, validationError(CodeInvalidPayload, "status change requires %q", m.Type.StatusField)
	}
	if err := checkStatus(m.Type, status); err != nil {
		return nil, err
	}

	doc, err := mergeDocument(m.Current, m.Op.Payload)
	if err != nil {
		return nil, err
	}
	doc[idField] = m.EntityID

	history, _ := doc[statusHistoryField].([]any)
	doc[statusHistoryField] = append(history, map[string]any{
		"status":      status,
		"at":          m.Op.ClientTimestamp,
		"operationId": m.Op.ID,
	})

	return encodeObject(doc)
}

func appendHandler(m Mutation) (json.RawMessage, error) {
	if m.Current == nil {
		return nil, notFoundError(CodeEntityNotFound, false, "%s/%s does not exist", m.Type.Name, m.EntityID)
	}
	if m.Op.Field == "" || m.Op.Field == idField || m.Op.Field == m.Type.StatusField {
		return nil, validationError(CodeInvalidOperation, "append requires a list field name")
	}
	if len(m.Type.AppendFields) > 0 && !slices.Contains(m.Type.AppendFields, m.Op.Field) {
		return nil, validationError(CodeInvalidOperation, "%s does not accept appends to %q", m.Type.Name, m.Op.Field)
	}

	item, err := decodeValue(m.Op.Payload)
	if err != nil {
		return nil, err
	}

	doc, err := currentDocument(m.Current)
	if err != nil {
		return nil, err
	}

	var list []any
	switch existing := doc[m.Op.Field].(type) {
	case nil:
	case []any:
		list = existing
	default:
		return nil, validationError(CodeInvalidOperation, "field %q is not a list", m.Op.Field)
	}
	doc[m.Op.Field] = append(list, item)

	return encodeObject(doc)
}

func checkStatus(t EntityType, v any) error {
	status, ok := v.(string)
	if !ok {
		return validationError(CodeInvalidStatus, "%q must be a string", t.StatusField)
	}
	if err := validation.ValidateStatus(status, t.Statuses); err != nil {
		return validationError(CodeInvalidStatus, "%s: %v", t.Name, err)
	}
	return nil
}

// mergeDocument applies patch to the stored document of e as a JSON merge
// patch. patch must already have been checked to be an object.
func mergeDocument(e *models.Entity, patch json.RawMessage) (map[string]any, error) {
	if _, err := currentDocument(e); err != nil {
		return nil, err
	}
	current := e.Data
	if len(bytes.TrimSpace(current)) == 0 {
		current = json.RawMessage(`{}`)
	}
	if len(bytes.TrimSpace(patch)) == 0 {
		patch = json.RawMessage(`{}`)
	}

	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to merge into %s/%s: %w", e.Type, e.ID, err)
	}
	return decodeObject(merged)
}

func currentDocument(e *models.Entity) (map[string]any, error) {
	if len(e.Data) == 0 {
		return map[string]any{}, nil
	}
	doc, err := decodeObject(e.Data)
	if err != nil {
		return nil, fmt.Errorf("stored document of %s/%s is corrupt: %w", e.Type, e.ID, err)
	}
	return doc, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, validationError(CodeInvalidPayload, "payload must be a JSON object")
	}
	return obj, nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, validationError(CodeInvalidPayload, "payload is not valid JSON: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, validationError(CodeInvalidPayload, "payload has data after the JSON value")
	}
	return v, nil
}

func encodeObject(doc map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return b, nil
}

// branchOf extracts the branch id of a document, if any.
func branchOf(doc json.RawMessage) string {
	var probe struct {
		BranchID any `json:"branchId"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return ""
	}
	switch v := probe.BranchID.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
