package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/sensorsync/internal/testutil/testlog"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)

	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})
	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)

	tests := map[string]struct {
		header string
		want   string
		err    error
	}{
		"bearer":         {header: "Bearer s3cret", want: "s3cret"},
		"case and space": {header: "  bearer   s3cret ", want: "s3cret"},
		"basic scheme":   {header: "Basic dXNlcg==", err: ErrMissingToken},
		"empty":          {header: "", err: ErrMissingToken},
		"scheme only":    {header: "Bearer ", err: ErrMissingToken},
	}
	for name, tc := range tests {
		got, err := BearerToken(tc.header)
		if !errors.Is(err, tc.err) || got != tc.want {
			t.Fatalf("%s: got (%q, %v) want (%q, %v)", name, got, err, tc.want, tc.err)
		}
	}
}

func TestForToken(t *testing.T) {
	testlog.Start(t)

	if ForToken("  ") != nil {
		t.Fatalf("blank token should disable checks")
	}
	v := ForToken("abc")
	if v == nil || v.Validate("abc") != nil {
		t.Fatalf("expected static validator accepting abc")
	}
}
