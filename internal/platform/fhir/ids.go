package fhir

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// resourceNamespace seeds name-based resource UUIDs so the same source record
// always lands on the same stored row.
var resourceNamespace = uuid.MustParse("6f1c3d9a-2b7e-5c41-9a0d-8e4f2a6b1c73")

// ResourceUUID derives the storage UUID for a resource from its type and id.
func ResourceUUID(resourceType, id string) uuid.UUID {
	return uuid.NewSHA1(resourceNamespace, []byte(resourceType+"/"+id))
}

// FormatReference renders a relative literal reference.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// Ref builds a Reference to resourceType/id.
func Ref(resourceType, id string) Reference {
	return Reference{Reference: FormatReference(resourceType, id), Type: resourceType}
}

// SourceID joins a source system prefix and natural key parts into a resource
// id, e.g. SourceID("adastra", "C1", "E1") is "adastra-C1-E1". The readable
// form is used only when every part is made of [A-Za-z0-9.] and the result
// fits FHIR's 64 character limit. Anything else, including parts containing
// the '-' separator, becomes "<source>.<hash of parts>" so that distinct keys
// never share an id.
func SourceID(source string, parts ...string) string {
	if id, ok := readableID(source, parts); ok {
		return id
	}
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%d:%s", len(p), p)
	}
	sum := uuid.NewSHA1(idNamespace, []byte(b.String()))
	return source + "." + strings.ReplaceAll(sum.String(), "-", "")
}

// idNamespace seeds hashed source ids.
var idNamespace = uuid.MustParse("0b7d4e26-93a1-5f08-b6c2-41e9d7a3f5c8")

const maxIDLength = 64

func readableID(source string, parts []string) (string, bool) {
	n := len(source)
	for _, p := range parts {
		n += 1 + len(p)
	}
	if n > maxIDLength {
		return "", false
	}
	var b strings.Builder
	b.Grow(n)
	b.WriteString(source)
	for _, p := range parts {
		b.WriteByte('-')
		for i := 0; i < len(p); i++ {
			c := p[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.':
				b.WriteByte(c)
			default:
				return "", false
			}
		}
	}
	return b.String(), true
}

// ParseReference splits "Type/id" into its parts.
func ParseReference(ref string) (resourceType, id string, ok bool) {
	i := strings.IndexByte(ref, '/')
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}
