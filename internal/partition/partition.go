// Package partition derives index partition names for tenant/project scopes.
//
// Every (tenant, project, kind) triple maps to exactly one partition inside
// the embedding index. The index imposes naming constraints (length 3-63,
// alphanumeric first and last character, body limited to alphanumerics,
// underscore and hyphen), so raw tenant and project identifiers cannot be
// used directly. Derivation is deterministic and collision resistant:
// short identifiers produce a readable natural name, anything else falls
// back to a truncated hash of the full triple.
//
// Example:
//
//	name, err := partition.Derive("acme", "billing", partition.KindDocuments)
//	// Result: "t_acme_p_billing_documents"
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Kind tags the logical collection a chunk belongs to within a partition set.
type Kind string

const (
	KindDocuments       Kind = "documents"
	KindChatHistory     Kind = "chat_history"
	KindResumes         Kind = "resumes"
	KindStackIterations Kind = "stack_iterations"
)

// Kinds returns every known partition kind. Cleanup iterates this list to
// remove all partitions belonging to a project.
func Kinds() []Kind {
	return []Kind{KindDocuments, KindChatHistory, KindResumes, KindStackIterations}
}

// ParseKind converts a string into a known Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentifier, s)
}

var (
	// ErrInvalidIdentifier indicates a kind literal that can never produce a
	// valid partition name. This is a configuration error, not a runtime
	// condition to retry.
	ErrInvalidIdentifier = errors.New("invalid partition identifier")

	// ErrInvalidPartitionName indicates a name that violates the index's
	// naming constraints.
	ErrInvalidPartitionName = errors.New("invalid partition name")
)

const (
	minNameLen = 3
	maxNameLen = 63

	// naturalSegmentMax bounds how long a sanitized tenant or project id may
	// be before derivation switches to the hashed form. Short ids keep the
	// name readable for debugging; long ids gain nothing from readability
	// and risk the length ceiling.
	naturalSegmentMax = 16

	// hashChars is the fingerprint width: 16 hex characters of a truncated
	// SHA-256, 64 bits of collision resistance, ample for the expected
	// cardinality of tenants and projects.
	hashChars = 16

	// minHashChars is the smallest fingerprint the overflow form may keep
	// when making room for a long kind.
	minHashChars = 8
)

// Derive maps a (tenant, project, kind) triple to a partition name.
//
// The function is total, deterministic and side-effect free. Distinct
// triples yield distinct names (collision probability negligible via hash
// truncation). The only error is ErrInvalidIdentifier, returned when kind
// itself cannot fit even in the hashed overflow form.
func Derive(tenantID, projectID string, kind Kind) (string, error) {
	k := string(kind)
	if err := validateKind(k); err != nil {
		return "", err
	}

	t := sanitize(tenantID)
	p := sanitize(projectID)

	// Natural form: readable when both ids are short.
	if t != "" && p != "" && len(t) <= naturalSegmentMax && len(p) <= naturalSegmentMax {
		natural := fmt.Sprintf("t_%s_p_%s_%s", t, p, k)
		if Validate(natural) == nil {
			return natural, nil
		}
	}

	// Hashed form: constraints hold for arbitrary tenant/project ids.
	sum := fingerprint(tenantID, projectID, k)
	hashed := fmt.Sprintf("t_%s_p_%s_%s", sum[:8], sum[8:16], k)
	if Validate(hashed) == nil {
		return hashed, nil
	}

	// Overflow form: long kinds eat into the budget, so shrink the hash
	// down to minHashChars and truncate kind as a last resort. Uniqueness
	// is carried by the hash, which covers the full triple including kind.
	return deriveOverflow(sum, k, kind)
}

func deriveOverflow(sum, k string, kind Kind) (string, error) {
	hash := sum
	budget := maxNameLen - len("c_") - len(hash) - len("_")
	if len(k) > budget {
		// Give the kind as much room as possible without dropping below
		// minHashChars of fingerprint.
		spare := len(k) - budget
		if shrink := min(spare, len(hash)-minHashChars); shrink > 0 {
			hash = hash[:len(hash)-shrink]
			budget += shrink
		}
	}
	trimmed := k
	if len(trimmed) > budget {
		trimmed = strings.TrimRight(trimmed[:budget], "_-")
	}
	if trimmed == "" {
		return "", fmt.Errorf("%w: kind %q cannot fit in a partition name", ErrInvalidIdentifier, kind)
	}
	name := fmt.Sprintf("c_%s_%s", hash, trimmed)
	if err := Validate(name); err != nil {
		return "", fmt.Errorf("%w: kind %q: %v", ErrInvalidIdentifier, kind, err)
	}
	return name, nil
}

// LegacyName returns the partition name under the pre-migration convention,
// {tenant}_{project}_{kind}. Deployments indexed before name derivation was
// introduced may still hold content under this scheme; the retrieval tier
// list queries it for backward compatibility.
func LegacyName(tenantID, projectID string, kind Kind) string {
	t := strings.ToLower(sanitize(tenantID))
	p := strings.ToLower(sanitize(projectID))
	if t == "" || p == "" {
		return ""
	}
	name := fmt.Sprintf("%s_%s_%s", t, p, kind)
	if Validate(name) != nil {
		return ""
	}
	return name
}

// Validate checks a partition name against the index's naming constraints:
// length in [3, 63], alphanumeric first and last character, body restricted
// to [A-Za-z0-9_-], and no dots anywhere.
func Validate(name string) error {
	if len(name) < minNameLen || len(name) > maxNameLen {
		return fmt.Errorf("%w: length %d outside [%d, %d]", ErrInvalidPartitionName, len(name), minNameLen, maxNameLen)
	}
	if !isAlnum(name[0]) || !isAlnum(name[len(name)-1]) {
		return fmt.Errorf("%w: first and last characters must be alphanumeric", ErrInvalidPartitionName)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isAlnum(c) || c == '_' || c == '-' {
			continue
		}
		return fmt.Errorf("%w: illegal character %q at position %d", ErrInvalidPartitionName, c, i)
	}
	return nil
}

// sanitize strips every character outside [A-Za-z0-9_-].
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) || c == '_' || c == '-' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// fingerprint returns hashChars hex characters of SHA-256 over the triple.
func fingerprint(tenantID, projectID, kind string) string {
	sum := sha256.Sum256([]byte(tenantID + ":" + projectID + ":" + kind))
	return hex.EncodeToString(sum[:])[:hashChars]
}

func validateKind(k string) error {
	if k == "" {
		return fmt.Errorf("%w: kind required", ErrInvalidIdentifier)
	}
	if !isLowerAlpha(k[0]) {
		return fmt.Errorf("%w: kind must start with a lowercase letter", ErrInvalidIdentifier)
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if isLowerAlpha(c) || (c >= '0' && c <= '9') || c == '_' {
			continue
		}
		return fmt.Errorf("%w: kind contains illegal character %q", ErrInvalidIdentifier, c)
	}
	if !isAlnum(k[len(k)-1]) {
		return fmt.Errorf("%w: kind must end with an alphanumeric character", ErrInvalidIdentifier)
	}
	return nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isLowerAlpha(c byte) bool {
	return c >= 'a' && c <= 'z'
}
