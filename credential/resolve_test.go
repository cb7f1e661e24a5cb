package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubProvider struct {
	name    string
	values  map[string]string
	resolve func(ref string) (string, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Resolve(_ context.Context, ref string) (string, error) {
	if s.resolve != nil {
		return s.resolve(ref)
	}
	return s.values[ref], nil
}

func TestExpandEnvStrict_MissingVarErrors(t *testing.T) {
	t.Setenv("PRESENT", "ok")

	_, err := ExpandEnvStrict("a=${PRESENT} b=${MISSING_B} c=${MISSING_A}")
	if !errors.Is(err, ErrMissingEnv) {
		t.Fatalf("ExpandEnvStrict() error = %v, want ErrMissingEnv", err)
	}
	if !strings.Contains(err.Error(), "MISSING_A, MISSING_B") {
		t.Errorf("error should list missing names sorted, got: %v", err)
	}
}

func TestExpandEnvStrict_DollarEscape(t *testing.T) {
	t.Setenv("X", "y")

	out, err := ExpandEnvStrict("$$${X}")
	if err != nil {
		t.Fatalf("ExpandEnvStrict() error = %v", err)
	}
	if out != "$y" {
		t.Errorf("ExpandEnvStrict() = %q, want %q", out, "$y")
	}
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		ref      string
		ok       bool
	}{
		{"secretref:env:OPENAI_API_KEY", "env", "OPENAI_API_KEY", true},
		{"secretref:file:/run/secrets/key", "file", "/run/secrets/key", true},
		{"secretref:env:", "", "", false},
		{"secretref::x", "", "", false},
		{"sk-plain", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			provider, ref, ok := ParseSecretRef(tt.in)
			if ok != tt.ok || provider != tt.provider || ref != tt.ref {
				t.Errorf("ParseSecretRef(%q) = %q, %q, %v, want %q, %q, %v", tt.in, provider, ref, ok, tt.provider, tt.ref, tt.ok)
			}
		})
	}
}

func TestResolve_Env(t *testing.T) {
	t.Setenv("LLMGUARD_TEST_KEY", "sk-env")

	got, err := Resolve(context.Background(), "secretref:env:LLMGUARD_TEST_KEY")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "sk-env" {
		t.Errorf("Resolve() = %q, want sk-env", got)
	}
}

func TestResolve_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("sk-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(context.Background(), "secretref:file:"+path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "sk-file" {
		t.Errorf("Resolve() = %q, want sk-file", got)
	}
}

func TestResolve_ExpandsThenResolves(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "key"), []byte("sk-dir"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SECRETS_DIR", dir)

	got, err := Resolve(context.Background(), "secretref:file:${SECRETS_DIR}/key")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "sk-dir" {
		t.Errorf("Resolve() = %q, want sk-dir", got)
	}
}

func TestResolve_PlainValue(t *testing.T) {
	got, err := Resolve(context.Background(), "sk-literal")
	if err != nil || got != "sk-literal" {
		t.Errorf("Resolve() = %q, %v, want the literal", got, err)
	}
}

func TestResolver_Inline(t *testing.T) {
	r := NewResolver(&stubProvider{name: "stub", values: map[string]string{"a": "one", "b": "two"}})

	got, err := r.Resolve(context.Background(), "Bearer secretref:stub:a and secretref:stub:b")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "Bearer one and two" {
		t.Errorf("Resolve() = %q, want %q", got, "Bearer one and two")
	}
}

func TestResolver_Errors(t *testing.T) {
	r := NewResolver(&stubProvider{name: "stub", resolve: func(ref string) (string, error) {
		switch ref {
		case "boom":
			return "", errors.New("explode")
		case "empty":
			return "", nil
		}
		return "ok", nil
	}})
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "secretref:stub:boom"); err == nil {
		t.Error("provider error should propagate")
	}
	if _, err := r.Resolve(ctx, "secretref:stub:empty"); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty value error = %v, want ErrEmpty", err)
	}
	if _, err := r.Resolve(ctx, "secretref:vault:x"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unknown provider error = %v, want ErrUnknownProvider", err)
	}
	if _, err := Resolve(ctx, "secretref:env:LLMGUARD_SURELY_UNSET"); !errors.Is(err, ErrMissingEnv) {
		t.Errorf("unset env error = %v, want ErrMissingEnv", err)
	}
}
