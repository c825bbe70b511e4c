package engine

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/validation"
	"github.com/iudanet/fieldsync/pkg/api"
)

const statusAction = "status"

// routePrefixes are stripped from offline endpoints recorded against the REST API.
var routePrefixes = []string{"api/v1/", "api/", "sync/"}

// decodeOperation turns a submitted offline operation into an entity target
// and intent. The endpoint grammar is
//
//	<entityType>[/<id>[/<action>]]   or   <id>[/<action>] | <action>
//
// where the short forms are relative to defaultType. Action "status" is a
// status change; any other action appends to the list field of that name.
func decodeOperation(reg *Registry, src api.OfflineOperation, deviceID, defaultType string, index int, fallbackBase int64) (*models.OfflineOperation, error) {
	if err := validation.ValidateID("operation id", src.ID); err != nil {
		return nil, validationError(CodeInvalidOperation, "%v", err)
	}

	op := &models.OfflineOperation{
		ID:              src.ID,
		DeviceID:        deviceID,
		LocalID:         src.LocalID,
		Payload:         src.Data,
		ClientTimestamp: src.Timestamp.Millis(),
		BaseTimestamp:   fallbackBase,
		Index:           index,
	}
	if src.BaseTimestamp != nil {
		op.BaseTimestamp = src.BaseTimestamp.Millis()
	}

	segments := splitEndpoint(src.Endpoint)

	entityType := src.EntityType
	if len(segments) > 0 && reg.Has(segments[0]) {
		if entityType != "" && entityType != segments[0] {
			return nil, validationError(CodeInvalidOperation, "endpoint %q does not match entity type %q", src.Endpoint, entityType)
		}
		entityType = segments[0]
		segments = segments[1:]
	}
	if entityType == "" {
		entityType = defaultType
	}
	if entityType == "" {
		return nil, validationError(CodeUnknownEntityType, "cannot determine entity type of endpoint %q", src.Endpoint)
	}
	t, ok := reg.Type(entityType)
	if !ok {
		return nil, validationError(CodeUnknownEntityType, "unknown entity type %q", entityType)
	}
	op.EntityType = entityType

	var pathID, action string
	switch len(segments) {
	case 0:
	case 1:
		if isAction(t, segments[0]) {
			action = segments[0]
		} else {
			pathID = segments[0]
		}
	case 2:
		pathID, action = segments[0], segments[1]
	default:
		return nil, validationError(CodeInvalidOperation, "unsupported endpoint %q", src.Endpoint)
	}

	method := strings.ToUpper(strings.TrimSpace(src.Method))
	if method == "" {
		method = http.MethodPost
	}

	switch {
	case action == statusAction:
		op.Intent = models.IntentStatusChange
	case action != "":
		op.Intent = models.IntentAppend
		op.Field = action
	case pathID == "" && src.EntityID == "" && method == http.MethodPost:
		op.Intent = models.IntentCreate
	case method == http.MethodPut || method == http.MethodPatch || method == http.MethodPost:
		op.Intent = models.IntentUpdate
	default:
		return nil, validationError(CodeUnsupportedIntent, "method %s is not supported for offline operations", method)
	}

	if action != "" && method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return nil, validationError(CodeUnsupportedIntent, "method %s is not supported for %q", method, action)
	}

	op.EntityID = firstNonEmpty(pathID, src.EntityID)
	if op.EntityID == "" && op.Intent != models.IntentCreate && op.LocalID == "" {
		op.EntityID = payloadString(src.Data, idField)
	}
	if op.Intent == models.IntentCreate && op.LocalID == "" {
		op.LocalID = payloadString(src.Data, "localId")
	}

	if op.EntityID != "" {
		if err := validation.ValidateID("entity id", op.EntityID); err != nil {
			return nil, validationError(CodeInvalidOperation, "%v", err)
		}
	}
	if op.LocalID != "" {
		if err := validation.ValidateID("local id", op.LocalID); err != nil {
			return nil, validationError(CodeInvalidOperation, "%v", err)
		}
	}
	if op.Intent != models.IntentCreate && op.EntityID == "" && op.LocalID == "" {
		return nil, validationError(CodeInvalidOperation, "%s on %s requires an entity id", op.Intent, entityType)
	}

	return op, nil
}

func splitEndpoint(endpoint string) []string {
	endpoint = strings.Trim(strings.TrimSpace(endpoint), "/")
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	for _, prefix := range routePrefixes {
		endpoint = strings.TrimPrefix(endpoint, prefix)
	}
	if endpoint == "" {
		return nil
	}

	parts := strings.Split(endpoint, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isAction(t EntityType, segment string) bool {
	if segment == statusAction {
		return true
	}
	for _, f := range t.AppendFields {
		if f == segment {
			return true
		}
	}
	return false
}

func payloadString(payload json.RawMessage, key string) string {
	if len(payload) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ""
	}
	s, _ := obj[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
