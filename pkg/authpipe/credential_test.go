package authpipe

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestNewCredentialEnforcesSecretPair(t *testing.T) {
	testCases := []struct {
		name          string
		accessSecret  string
		refreshSecret string
		expectedState IssuedState
		expectedError error
	}{
		{name: "both secrets", accessSecret: "A1", refreshSecret: "R1", expectedState: IssuedStateValid},
		{name: "no secrets", expectedState: IssuedStateNone},
		{name: "access only", accessSecret: "A1", expectedError: ErrIncompleteCredential},
		{name: "refresh only", refreshSecret: "R1", expectedError: ErrIncompleteCredential},
		{name: "whitespace refresh", accessSecret: "A1", refreshSecret: "   ", expectedError: ErrIncompleteCredential},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			credential, err := NewCredential(testCase.accessSecret, testCase.refreshSecret, "user-1", ClaimSet{})
			if testCase.expectedError != nil {
				if !errors.Is(err, testCase.expectedError) {
					t.Fatalf("expected %v, got %v", testCase.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if credential.State() != testCase.expectedState {
				t.Fatalf("expected state %s, got %s", testCase.expectedState, credential.State())
			}
		})
	}
}

func TestParseRolesNormalizesAndRejects(t *testing.T) {
	claims, err := ParseRoles([]string{" Admin ", "billing:read", "admin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(claims.Strings(), []string{"admin", "billing:read"}) {
		t.Fatalf("unexpected roles %v", claims.Strings())
	}
	if claims.Len() != 2 || !claims.Has("billing:read") {
		t.Fatalf("unexpected claim set %v", claims.Strings())
	}

	for _, invalid := range []string{"", "  ", "drop table", "role/1"} {
		if _, err := ParseRole(invalid); !errors.Is(err, ErrInvalidRole) {
			t.Fatalf("expected ErrInvalidRole for %q, got %v", invalid, err)
		}
	}
}

func TestCredentialJSONRoundTripValidatesClaims(t *testing.T) {
	credential := mustCredential(t, "A1", "R1")
	encoded, err := json.Marshal(credential)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(encoded) != `{"access_secret":"A1","refresh_secret":"R1","identity":"user-1","claims":["admin"]}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}

	var decoded Credential
	if err := json.Unmarshal([]byte(`{"access_secret":"A1","refresh_secret":"R1","claims":["bad role"]}`), &decoded); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
}

func TestZeroClaimSetIsEmpty(t *testing.T) {
	var claims ClaimSet
	if claims.Len() != 0 || claims.Has("admin") || len(claims.Roles()) != 0 {
		t.Fatalf("expected empty claim set")
	}
	encoded, err := json.Marshal(claims)
	if err != nil || string(encoded) != "[]" {
		t.Fatalf("expected empty array, got %s (%v)", encoded, err)
	}
}
