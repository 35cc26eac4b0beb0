package security

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wirebus/wirebus/internal/ident"
	"github.com/wirebus/wirebus/internal/permission"
)

func TestAuthenticateAppIssuesAndReusesToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGrantStore()
	app := ident.App{Id: ident.MustNew("app.test", "thing"), Version: "1.0"}
	perm := ident.MustNew("perm", "table.write")
	if err := store.SetGrants(ctx, app.Id, permission.NewSet(perm)); err != nil {
		t.Fatalf("SetGrants: %v", err)
	}

	auth := NewAuthenticator([]byte("server-secret"), store)

	grants1, token1, err := auth.AuthenticateApp(ctx, app, nil)
	if err != nil {
		t.Fatalf("first AuthenticateApp: %v", err)
	}
	if !grants1.Has(perm) {
		t.Fatal("expected granted permission on first auth")
	}
	if token1 == "" {
		t.Fatal("expected non-empty token")
	}

	grants2, token2, err := auth.AuthenticateApp(ctx, app, &token1)
	if err != nil {
		t.Fatalf("second AuthenticateApp: %v", err)
	}
	if token2 != token1 {
		t.Fatalf("reconnect with valid token should echo it back, got new token")
	}
	if !grants2.Has(perm) {
		t.Fatal("expected same grant on reconnect")
	}
}

func TestAuthenticateAppRejectsTokenForDifferentApp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGrantStore()
	auth := NewAuthenticator([]byte("server-secret"), store)

	appA := ident.App{Id: ident.MustNew("app.a", "one")}
	appB := ident.App{Id: ident.MustNew("app.b", "two")}

	_, tokenA, err := auth.AuthenticateApp(ctx, appA, nil)
	if err != nil {
		t.Fatalf("AuthenticateApp appA: %v", err)
	}

	_, tokenB, err := auth.AuthenticateApp(ctx, appB, &tokenA)
	if err != nil {
		t.Fatalf("AuthenticateApp appB: %v", err)
	}
	if tokenB == tokenA {
		t.Fatal("expected a freshly issued token when the presented token belongs to a different app")
	}
}

func TestAuthenticateAppRejectsGarbageToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGrantStore()
	auth := NewAuthenticator([]byte("server-secret"), store)
	app := ident.App{Id: ident.MustNew("app.test", "thing")}

	garbage := "not-a-jwt"
	_, token, err := auth.AuthenticateApp(ctx, app, &garbage)
	if err != nil {
		t.Fatalf("AuthenticateApp: %v", err)
	}
	if token == garbage {
		t.Fatal("expected a freshly issued token for an unparseable presented token")
	}
}

func TestIssuedTokensCarryDistinctIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryGrantStore()
	auth := NewAuthenticator([]byte("server-secret"), store)

	appA := ident.App{Id: ident.MustNew("app.a", "one")}
	appB := ident.App{Id: ident.MustNew("app.b", "two")}

	_, tokenA, err := auth.AuthenticateApp(ctx, appA, nil)
	if err != nil {
		t.Fatalf("AuthenticateApp appA: %v", err)
	}
	_, tokenB, err := auth.AuthenticateApp(ctx, appB, nil)
	if err != nil {
		t.Fatalf("AuthenticateApp appB: %v", err)
	}

	idA := tokenJTI(t, tokenA)
	idB := tokenJTI(t, tokenB)
	if idA == "" || idB == "" {
		t.Fatal("expected non-empty token IDs")
	}
	if idA == idB {
		t.Fatal("expected distinct token IDs across separate issuances")
	}
}

func tokenJTI(t *testing.T, token string) string {
	t.Helper()
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &tokenClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		t.Fatal("expected tokenClaims")
	}
	return claims.ID
}
