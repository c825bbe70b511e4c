package validation

import (
	"fmt"
	"regexp"
)

// IDPattern is the accepted format of operation, entity, local and device ids:
// letters, digits and ._:- up to 128 characters.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// EntityTypePattern is the accepted format of entity type names.
var EntityTypePattern = regexp.MustCompile(`^[a-z][A-Za-z0-9_-]{0,63}$`)

// reservedEntityTypes collide with keys of the stream sync response.
var reservedEntityTypes = map[string]struct{}{
	"operationResults": {},
	"syncTimestamp":    {},
	"hasMore":          {},
	"errors":           {},
	"conflicts":        {},
	"batch":            {},
	"batch-upload":     {},
}

// ValidateID checks an identifier. kind is used in the error message.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if !IDPattern.MatchString(id) {
		return fmt.Errorf("%s %q contains invalid characters or is too long", kind, id)
	}
	return nil
}

// ValidateEntityType checks an entity type name.
func ValidateEntityType(entityType string) error {
	if entityType == "" {
		return fmt.Errorf("entity type cannot be empty")
	}
	if _, ok := reservedEntityTypes[entityType]; ok {
		return fmt.Errorf("entity type %q is reserved", entityType)
	}
	if !EntityTypePattern.MatchString(entityType) {
		return fmt.Errorf("entity type %q must start with a lowercase letter and contain only letters, digits, '_' or '-'", entityType)
	}
	return nil
}

// ValidateStatus checks that status is one of allowed. An empty allowed list
// accepts any non-empty status.
func ValidateStatus(status string, allowed []string) error {
	if status == "" {
		return fmt.Errorf("status cannot be empty")
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, s := range allowed {
		if s == status {
			return nil
		}
	}
	return fmt.Errorf("status %q is not one of %v", status, allowed)
}
