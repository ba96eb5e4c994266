// Package secrets resolves operator secrets such as the key-encryption passphrase.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// New builds a provider by driver name. An empty driver selects the environment.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

// Get resolves key as a secret id. The form "id#field" reads one string field of a JSON secret.
func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	id, field, _ := strings.Cut(key, "#")
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}

	var v string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		v = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		v = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return v, nil
	}
	return jsonField(id, field, v)
}

func jsonField(id, field, raw string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a json object", ErrInvalidConfig, id)
	}
	s, ok := m[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(s), nil
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Static serves fixed values; used by tests and local tooling.
type Static map[string]string

func (s Static) Get(_ context.Context, key string) (string, error) {
	v, ok := s[strings.TrimSpace(key)]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}
