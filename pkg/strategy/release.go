package strategy

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/kdeploy/pkg/expression"
)

// releaseNamespace seeds release names derived from ids that are not base64 UUIDs.
var releaseNamespace = uuid.MustParse("6f1c1c5e-3f7a-4b0e-9a52-1d2b4e8c7a10")

var dns1123Subdomain = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?(\.[a-z0-9]([-a-z0-9]*[a-z0-9])?)*$`)

const maxReleaseNameLength = 253

// DeriveReleaseName returns the release name for an infrastructure id.
// A 22-character base64url id is the compact form of a UUID and is expanded
// to canonical form; any other id maps to a name-based UUID. The result
// depends only on infraID.
func DeriveReleaseName(infraID string) (string, error) {
	id := strings.TrimSpace(infraID)
	if id == "" {
		return "", fmt.Errorf("infrastructure id is required to derive a release name")
	}
	if raw, err := base64.RawURLEncoding.DecodeString(id); err == nil && len(raw) == 16 {
		if u, err := uuid.FromBytes(raw); err == nil {
			return u.String(), nil
		}
	}
	return uuid.NewSHA1(releaseNamespace, []byte(id)).String(), nil
}

// ValidateReleaseName checks that name is usable as a Kubernetes object
// name. Names still containing an expression are not checked.
func ValidateReleaseName(name string) error {
	if expression.ContainsExpression(name) {
		return nil
	}
	if len(name) > maxReleaseNameLength || !dns1123Subdomain.MatchString(name) {
		return fmt.Errorf("%q is an invalid name. Release name may only contain lowercase letters, numbers, and '-'", name)
	}
	return nil
}
