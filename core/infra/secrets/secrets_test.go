package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	params map[string]string
	err    error
	calls  []*ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	val, ok := f.params[aws.ToString(in.Name)]
	if !ok {
		return &ssm.GetParameterOutput{}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(val)}}, nil
}

func TestSSMResolver(t *testing.T) {
	fake := &fakeSSM{params: map[string]string{"/davlock/jwt-secret": "s3cret"}}
	r := NewSSMResolver(fake)

	got, err := r.GetSecret(context.Background(), "/davlock/jwt-secret")
	if err != nil || got != "s3cret" {
		t.Fatalf("unexpected secret %q %v", got, err)
	}
	if !aws.ToBool(fake.calls[0].WithDecryption) {
		t.Fatalf("expected decryption to be requested")
	}
	if _, err := r.GetSecret(context.Background(), "/davlock/missing"); err == nil {
		t.Fatalf("expected error for empty parameter")
	}
	fake.err = errors.New("access denied")
	if _, err := r.GetSecret(context.Background(), "/davlock/jwt-secret"); err == nil {
		t.Fatalf("expected ssm error")
	}
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	got, err := EnvResolver{}.GetSecret(context.Background(), "/davlock/jwt-secret")
	if err != nil || got != "from-env" {
		t.Fatalf("unexpected secret %q %v", got, err)
	}
	if _, err := (EnvResolver{}).GetSecret(context.Background(), "/davlock/unset-value"); err == nil {
		t.Fatalf("expected error for unset variable")
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("API_KEYS", "k1,k2")
	ctx := context.Background()

	got, err := Resolve(ctx, EnvResolver{}, "literal")
	if err != nil || got != "literal" {
		t.Fatalf("expected literal passthrough, got %q %v", got, err)
	}
	got, err = Resolve(ctx, EnvResolver{}, "secret:///davlock/api-keys")
	if err != nil || got != "k1,k2" {
		t.Fatalf("expected resolved secret, got %q %v", got, err)
	}
	if _, err := Resolve(ctx, nil, "secret:///davlock/api-keys"); err == nil {
		t.Fatalf("expected error without resolver")
	}
	if _, err := Resolve(ctx, EnvResolver{}, "secret://"); err == nil {
		t.Fatalf("expected error for empty reference")
	}
}

func TestRedact(t *testing.T) {
	if Redact("") != "" || Redact("secret:///a") != "secret:///a" || Redact("plain") != "<redacted>" {
		t.Fatalf("unexpected redaction")
	}
}
