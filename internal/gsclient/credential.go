package gsclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/assocrm/backend/internal/storage"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
)

const (
	opReadSecret = "gsclient.read_secret"

	// SecretSection is the nested TOML table that holds the credential when the secret is a
	// whole configuration document.
	SecretSection = "google_service_account"

	serviceAccountType = "service_account"
	pemHeaderMarker    = "-----BEGIN"
)

var (
	errMissingSecret     = errors.New("service account secret is not configured")
	errUnsupportedSecret = errors.New("unsupported service account secret type")
	errIncompleteSecret  = errors.New("service account secret requires client_email and private_key")
)

// CredentialRecord is a Google service-account key. Field names follow the JSON key file.
type CredentialRecord struct {
	Type                    string `json:"type" mapstructure:"type"`
	ProjectID               string `json:"project_id,omitempty" mapstructure:"project_id"`
	PrivateKeyID            string `json:"private_key_id,omitempty" mapstructure:"private_key_id"`
	PrivateKey              string `json:"private_key" mapstructure:"private_key"`
	ClientEmail             string `json:"client_email" mapstructure:"client_email"`
	ClientID                string `json:"client_id,omitempty" mapstructure:"client_id"`
	AuthURI                 string `json:"auth_uri,omitempty" mapstructure:"auth_uri"`
	TokenURI                string `json:"token_uri,omitempty" mapstructure:"token_uri"`
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url,omitempty" mapstructure:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `json:"client_x509_cert_url,omitempty" mapstructure:"client_x509_cert_url"`
	UniverseDomain          string `json:"universe_domain,omitempty" mapstructure:"universe_domain"`
}

// JSON renders the record as a service-account key file.
func (r CredentialRecord) JSON() ([]byte, error) {
	if r.Type == "" {
		r.Type = serviceAccountType
	}
	return json.Marshal(r)
}

// ReadServiceAccountSecret normalizes a configured secret into a CredentialRecord. raw may be
// a mapping, a JSON object string, or a TOML document; a TOML document with a
// google_service_account table is narrowed to that table.
func ReadServiceAccountSecret(raw any) (CredentialRecord, error) {
	fields, err := secretFields(raw)
	if err != nil {
		return CredentialRecord{}, err
	}

	var record CredentialRecord
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &record,
	})
	if err != nil {
		return CredentialRecord{}, storage.NewConfigError(opReadSecret, "decoder", err)
	}
	if err := decoder.Decode(fields); err != nil {
		return CredentialRecord{}, storage.NewConfigError(opReadSecret, "decode", err)
	}

	record.PrivateKey = normalizePrivateKey(record.PrivateKey)
	if strings.TrimSpace(record.ClientEmail) == "" || strings.TrimSpace(record.PrivateKey) == "" {
		return CredentialRecord{}, storage.NewConfigError(opReadSecret, "incomplete", errIncompleteSecret)
	}
	return record, nil
}

func secretFields(raw any) (any, error) {
	switch value := raw.(type) {
	case nil:
		return nil, storage.NewConfigError(opReadSecret, "missing", errMissingSecret)
	case CredentialRecord:
		return map[string]any{
			"type":                        value.Type,
			"project_id":                  value.ProjectID,
			"private_key_id":              value.PrivateKeyID,
			"private_key":                 value.PrivateKey,
			"client_email":                value.ClientEmail,
			"client_id":                   value.ClientID,
			"auth_uri":                    value.AuthURI,
			"token_uri":                   value.TokenURI,
			"auth_provider_x509_cert_url": value.AuthProviderX509CertURL,
			"client_x509_cert_url":        value.ClientX509CertURL,
			"universe_domain":             value.UniverseDomain,
		}, nil
	case []byte:
		return parseSecretText(string(value))
	case string:
		return parseSecretText(value)
	case map[string]any:
		if len(value) == 0 {
			return nil, storage.NewConfigError(opReadSecret, "missing", errMissingSecret)
		}
		return value, nil
	case map[string]string:
		if len(value) == 0 {
			return nil, storage.NewConfigError(opReadSecret, "missing", errMissingSecret)
		}
		return value, nil
	case map[any]any:
		if len(value) == 0 {
			return nil, storage.NewConfigError(opReadSecret, "missing", errMissingSecret)
		}
		return value, nil
	default:
		return nil, storage.NewConfigError(opReadSecret, "unsupported", fmt.Errorf("%w: %T", errUnsupportedSecret, raw))
	}
}

func parseSecretText(text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, storage.NewConfigError(opReadSecret, "missing", errMissingSecret)
	}

	if strings.HasPrefix(trimmed, "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
			return nil, storage.NewConfigError(opReadSecret, "malformed_json", err)
		}
		return fields, nil
	}

	var document map[string]any
	if err := toml.Unmarshal([]byte(trimmed), &document); err != nil {
		return nil, storage.NewConfigError(opReadSecret, "malformed_toml", err)
	}
	if section, ok := document[SecretSection].(map[string]any); ok {
		return section, nil
	}
	if len(document) == 0 {
		return nil, storage.NewConfigError(opReadSecret, "missing", errMissingSecret)
	}
	return document, nil
}

// normalizePrivateKey turns escaped "\n" sequences into newlines for PEM keys pasted on a
// single line.
func normalizePrivateKey(key string) string {
	if strings.Contains(key, `\n`) && strings.Contains(key, pemHeaderMarker) {
		return strings.ReplaceAll(key, `\n`, "\n")
	}
	return key
}
