package permission

import (
	"testing"

	"github.com/wirebus/wirebus/internal/ident"
)

func TestCheckOwnerOrGrantedOwnerBypass(t *testing.T) {
	owner := ident.MustNew("app.x", "data")
	caller := ident.MustNew("app.x", "data", "sub")
	req := ident.MustNew("perm", "table.write")

	if !CheckOwnerOrGranted(caller, owner, &req, NewSet()) {
		t.Fatal("owner subpart should bypass permission check even with nothing granted")
	}
}

func TestCheckOwnerOrGrantedRequiresGrant(t *testing.T) {
	owner := ident.MustNew("app.x", "data")
	caller := ident.MustNew("app.y", "other")
	req := ident.MustNew("perm", "table.write")

	if CheckOwnerOrGranted(caller, owner, &req, NewSet()) {
		t.Fatal("non-owner with no grant should be denied")
	}
	if !CheckOwnerOrGranted(caller, owner, &req, NewSet(req)) {
		t.Fatal("non-owner with matching grant should be allowed")
	}
}

func TestSetHasGrantsSubpartsOfAGrantedId(t *testing.T) {
	grant := ident.MustNew("perm", "table")
	required := ident.MustNew("perm", "table", "write")
	s := NewSet(grant)

	if !s.Has(required) {
		t.Fatal("a grant on perm:table should authorize the subpart perm:table:write")
	}
	if !s.Has(grant) {
		t.Fatal("a grant should authorize itself")
	}

	unrelated := ident.MustNew("perm", "registry", "write")
	if s.Has(unrelated) {
		t.Fatal("a grant should not authorize an unrelated id")
	}
}

func TestCheckOwnerOrGrantedAcceptsSubpartGrant(t *testing.T) {
	owner := ident.MustNew("app.x", "data")
	caller := ident.MustNew("app.y", "other")
	broad := ident.MustNew("perm", "table")
	req := ident.MustNew("perm", "table", "write")

	if !CheckOwnerOrGranted(caller, owner, &req, NewSet(broad)) {
		t.Fatal("non-owner granted a broader permission should be allowed on its subparts")
	}
}

func TestCheckOwnerOrGrantedNilRequirement(t *testing.T) {
	owner := ident.MustNew("app.x", "data")
	caller := ident.MustNew("app.y", "other")
	if CheckOwnerOrGranted(caller, owner, nil, NewSet()) {
		t.Fatal("nil requirement with non-owner caller should deny")
	}
}
