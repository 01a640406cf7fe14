// Package secrets resolves secret:// references in configuration values.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const secretPrefix = "secret://"

// Resolver retrieves secret values by name.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMClient is the subset of *ssm.Client used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMResolver reads SecureString parameters from SSM Parameter Store.
type SSMResolver struct {
	client SSMClient
}

func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client}
}

func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver maps "/davlock/jwt-secret" to $JWT_SECRET.
type EnvResolver struct{}

func (EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := envVarFor(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from %q) is not set", envName, name)
	}
	return val, nil
}

func envVarFor(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}

// IsRef reports whether value is a secret reference.
func IsRef(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), secretPrefix)
}

// Resolve returns value itself, or the secret it references when it starts
// with secret://. "secret:///davlock/jwt-secret" names "/davlock/jwt-secret".
func Resolve(ctx context.Context, r Resolver, value string) (string, error) {
	value = strings.TrimSpace(value)
	if !IsRef(value) {
		return value, nil
	}
	name := strings.TrimPrefix(value, secretPrefix)
	if name == "" {
		return "", fmt.Errorf("empty secret reference")
	}
	if r == nil {
		return "", fmt.Errorf("no secret resolver for %q", name)
	}
	return r.GetSecret(ctx, name)
}

// Redact hides resolved secrets in log output while leaving references readable.
func Redact(value string) string {
	switch {
	case value == "":
		return ""
	case IsRef(value):
		return value
	default:
		return "<redacted>"
	}
}
