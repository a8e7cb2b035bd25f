package policy

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/warden/pkg/models"
)

// resignForTest signs arbitrary capability fields with the engine's key so
// tests can fabricate expired tokens without sleeping through the TTL.
func resignForTest(t *testing.T, e *Engine, token *models.CapabilityToken) string {
	t.Helper()
	claims := capabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.CapabilityID,
			Subject:   token.TaskID,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
		Tool:           token.Tool,
		TemplateID:     token.TemplateID,
		PrincipalKey:   token.Principal.Key(),
		ArgTaint:       token.TaintOfArguments.String(),
		MaxInvocations: token.MaxInvocations,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.signer.key)
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	return signed
}
