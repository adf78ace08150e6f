package gsclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const opClient = "gsclient.client"

// Scopes requested for every service-account client.
var Scopes = []string{
	sheets.SpreadsheetsScope,
	drive.DriveReadonlyScope,
}

// Client bundles the authorized Sheets and Drive services of one service account.
type Client struct {
	Email  string
	Sheets *sheets.Service
	Drive  *drive.Service
}

type clientBuilder func(ctx context.Context, record CredentialRecord) (*Client, error)

// ClientFactoryConfig configures a ClientFactory.
type ClientFactoryConfig struct {
	// HTTPClient is used as the base transport for token requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// ClientFactory builds at most one Client per distinct credential for the life of the
// process.
type ClientFactory struct {
	mu      sync.Mutex
	clients map[string]*Client
	build   clientBuilder
	logger  *zap.Logger
}

// NewClientFactory constructs a factory with an empty cache.
func NewClientFactory(cfg ClientFactoryConfig) *ClientFactory {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ClientFactory{
		clients: make(map[string]*Client),
		build:   serviceAccountBuilder(httpClient),
		logger:  logger,
	}
}

// Client returns the cached client for record, building it on first use.
func (f *ClientFactory) Client(ctx context.Context, record CredentialRecord) (*Client, error) {
	key := credentialDigest(record)

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[key]; ok {
		return client, nil
	}

	if _, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(record.PrivateKey)); err != nil {
		f.logError("invalid_private_key", err, zap.String("client_email", record.ClientEmail))
		return nil, storage.NewBackendError(opClient, "invalid_private_key", err)
	}

	client, err := f.build(ctx, record)
	if err != nil {
		f.logError("build_failed", err, zap.String("client_email", record.ClientEmail))
		return nil, storage.NewBackendError(opClient, "build_failed", err)
	}

	f.clients[key] = client
	f.logger.Info("google client created", zap.String("client_email", record.ClientEmail))
	return client, nil
}

func (f *ClientFactory) logError(reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", opClient),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	f.logger.Error("google client error", allFields...)
}

func serviceAccountBuilder(httpClient *http.Client) clientBuilder {
	return func(ctx context.Context, record CredentialRecord) (*Client, error) {
		keyJSON, err := record.JSON()
		if err != nil {
			return nil, fmt.Errorf("encode credential: %w", err)
		}
		jwtConfig, err := google.JWTConfigFromJSON(keyJSON, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse credential: %w", err)
		}

		// The client outlives the request that built it.
		tokenContext := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, httpClient)
		authorized := jwtConfig.Client(tokenContext)

		sheetsService, err := sheets.NewService(ctx, option.WithHTTPClient(authorized))
		if err != nil {
			return nil, fmt.Errorf("sheets service: %w", err)
		}
		driveService, err := drive.NewService(ctx, option.WithHTTPClient(authorized))
		if err != nil {
			return nil, fmt.Errorf("drive service: %w", err)
		}

		return &Client{
			Email:  record.ClientEmail,
			Sheets: sheetsService,
			Drive:  driveService,
		}, nil
	}
}

func credentialDigest(record CredentialRecord) string {
	hash := sha256.New()
	for _, part := range []string{record.ClientEmail, record.PrivateKeyID, record.PrivateKey} {
		hash.Write([]byte(part))
		hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}
