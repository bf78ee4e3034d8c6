// Package secrets loads credentials from AWS SSM Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the part of *ssm.Client the loader needs.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Parameter names under the configured prefix.
const (
	ParamJWTSecret    = "jwt_secret"
	ParamGeminiAPIKey = "gemini_api_key"
)

// Secrets holds the credentials the gateway may read from the parameter store.
type Secrets struct {
	JWTSecret    string
	GeminiAPIKey string
}

type Loader struct {
	api    ssmAPI
	prefix string
}

func NewLoader(api ssmAPI, prefix string) (*Loader, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, errors.New("secrets: prefix is required")
	}
	return &Loader{api: api, prefix: strings.TrimSuffix(prefix, "/")}, nil
}

// Get reads one decrypted parameter below the prefix.
func (l *Loader) Get(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: name is required")
	}
	full := l.prefix + "/" + name

	withDecryption := true
	out, err := l.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &full,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", full, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q missing value", full)
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}

// Load fetches every gateway secret.
func (l *Loader) Load(ctx context.Context) (Secrets, error) {
	var s Secrets
	var err error
	if s.JWTSecret, err = l.Get(ctx, ParamJWTSecret); err != nil {
		return Secrets{}, err
	}
	if s.GeminiAPIKey, err = l.Get(ctx, ParamGeminiAPIKey); err != nil {
		return Secrets{}, err
	}
	return s, nil
}
