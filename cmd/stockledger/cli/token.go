package cli

import (
	"errors"
	"strings"
	"time"

	"github.com/odyssey-erp/stockledger/internal/auth"
)

// TokenRequest describes a bearer token minted for operators or tests.
type TokenRequest struct {
	Subject string
	Name    string
	Roles   string
	TTL     time.Duration
}

// IssueToken signs a bearer token accepted by the API.
func IssueToken(svc *auth.Service, req TokenRequest) (string, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return "", errors.New("token: subject required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	var roles []string
	for _, role := range strings.Split(req.Roles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	name := req.Name
	if name == "" {
		name = subject
	}
	return svc.Generate(subject, name, roles, ttl)
}
