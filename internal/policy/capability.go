package policy

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/haasonsaas/warden/pkg/models"
)

// CapabilityTTL bounds a capability token's lifetime independently of the
// task state.
const CapabilityTTL = 5 * time.Minute

// capabilityClaims is the signed wire form of a capability token. Unknown
// claims are rejected at validation.
type capabilityClaims struct {
	jwt.RegisteredClaims
	Tool           string `json:"tool"`
	TemplateID     string `json:"template_id"`
	PrincipalKey   string `json:"principal"`
	ResourceScope  string `json:"resource_scope,omitempty"`
	ArgTaint       string `json:"arg_taint"`
	MaxInvocations int    `json:"max_invocations"`
}

type capabilitySigner struct {
	key []byte
}

func newCapabilitySigner(key []byte) *capabilitySigner {
	if len(key) == 0 {
		// Ephemeral key: tokens do not survive a restart, which is fine
		// because their lifetime is shorter than any recovery window.
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("policy: cannot read random signing key: " + err.Error())
		}
	}
	return &capabilitySigner{key: key}
}

// IssueCapability mints a single-use capability token for one tool
// invocation, or refuses. The deny list wins over the allow list; the
// allow list matches exact names and `prefix.*` wildcards.
func (e *Engine) IssueCapability(task *models.Task, tool, resourceScope string, argTaint models.TaintLevel) (*models.CapabilityToken, error) {
	if toolAllowed(task.DeniedTools, tool) {
		return nil, ErrToolDenied
	}
	if !toolAllowed(task.AllowedTools, tool) {
		return nil, ErrToolNotAllowed
	}

	now := time.Now().UTC()
	token := &models.CapabilityToken{
		CapabilityID:     uuid.NewString(),
		TaskID:           task.TaskID,
		TemplateID:       task.TemplateID,
		Principal:        task.Principal,
		Tool:             tool,
		ResourceScope:    resourceScope,
		TaintOfArguments: argTaint,
		IssuedAt:         now,
		ExpiresAt:        now.Add(CapabilityTTL),
		MaxInvocations:   1,
	}

	claims := capabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.CapabilityID,
			Subject:   token.TaskID,
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
		},
		Tool:           tool,
		TemplateID:     task.TemplateID,
		PrincipalKey:   task.Principal.Key(),
		ResourceScope:  resourceScope,
		ArgTaint:       argTaint.String(),
		MaxInvocations: token.MaxInvocations,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.signer.key)
	if err != nil {
		return nil, err
	}
	token.Signed = signed
	return token, nil
}

// ValidateCapability verifies a token's signature and checks it against
// the invoking task and tool. Expiry is checked before the binding so an
// expired token never reports a mismatch instead.
func (e *Engine) ValidateCapability(signed string, task *models.Task, tool string) (*models.CapabilityToken, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithExpirationRequired(),
	)
	var claims capabilityClaims
	_, err := parser.ParseWithClaims(signed, &claims, func(*jwt.Token) (any, error) {
		return e.signer.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrCapabilityExpired
		}
		return nil, ErrCapabilityMalformed
	}
	if claims.Subject != task.TaskID {
		return nil, ErrCapabilityTask
	}
	if claims.Tool != tool {
		return nil, ErrCapabilityTool
	}

	argTaint, err := models.ParseTaintLevel(claims.ArgTaint)
	if err != nil {
		return nil, ErrCapabilityMalformed
	}
	principal, err := models.ParsePrincipalKey(claims.PrincipalKey)
	if err != nil {
		return nil, ErrCapabilityMalformed
	}
	return &models.CapabilityToken{
		CapabilityID:     claims.ID,
		TaskID:           claims.Subject,
		TemplateID:       claims.TemplateID,
		Principal:        principal,
		Tool:             claims.Tool,
		ResourceScope:    claims.ResourceScope,
		TaintOfArguments: argTaint,
		IssuedAt:         claims.IssuedAt.Time,
		ExpiresAt:        claims.ExpiresAt.Time,
		MaxInvocations:   claims.MaxInvocations,
		Signed:           signed,
	}, nil
}
