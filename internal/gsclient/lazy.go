package gsclient

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
)

// SecretResolver defers reading the secret and building the client until the first worksheet
// is resolved, so a missing credential surfaces as ErrConfig on the first load or save
// rather than at startup.
type SecretResolver struct {
	secret  func() any
	factory *ClientFactory
	config  ResolverConfig

	mu       sync.Mutex
	resolver *WorksheetResolver
}

// NewSecretResolver wires a secret source, a client factory and the spreadsheet selection.
func NewSecretResolver(secret func() any, factory *ClientFactory, cfg ResolverConfig) *SecretResolver {
	return &SecretResolver{secret: secret, factory: factory, config: cfg}
}

// Resolve implements storage.WorksheetResolver.
func (s *SecretResolver) Resolve(ctx context.Context, title string) (storage.Worksheet, error) {
	resolver, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return resolver.Resolve(ctx, title)
}

func (s *SecretResolver) current(ctx context.Context) (*WorksheetResolver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resolver != nil {
		return s.resolver, nil
	}

	var raw any
	if s.secret != nil {
		raw = s.secret()
	}
	record, err := ReadServiceAccountSecret(raw)
	if err != nil {
		return nil, err
	}
	client, err := s.factory.Client(ctx, record)
	if err != nil {
		return nil, err
	}
	s.resolver = NewWorksheetResolver(client, s.config)
	return s.resolver, nil
}
