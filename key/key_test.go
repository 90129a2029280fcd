package key

import "testing"

func mustKey(t *testing.T) *Key {
	t.Helper()
	k, err := Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	return k
}

func TestDerivePathDeterministic(t *testing.T) {
	root := NewRootPathedKey(mustKey(t))
	p := Path{NewSegment(), NewSegment()}

	a, err := DerivePath(root, p)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}
	b, err := DerivePath(root, p)
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}
	if !a.Secret.Public().Equal(b.Secret.Public()) {
		t.Fatalf("derivation is not deterministic")
	}
}

func TestDerivePathRejectsNonExtension(t *testing.T) {
	root := NewRootPathedKey(mustKey(t))
	scoped, err := DerivePath(root, Path{NewSegment()})
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}
	_, err = DerivePath(scoped, Path{})
	if err == nil {
		t.Fatalf("expected InsufficientPermission deriving toward the root from a scoped key")
	}
}

func TestSubsetThenValidate(t *testing.T) {
	pk := NewRootPathedKey(mustKey(t))
	ps, err := ToPermission(pk)
	if err != nil {
		t.Fatalf("ToPermission: %v", err)
	}
	sub, err := Subset(ps, PermissionOptions{CanRead: true})
	if err != nil {
		t.Fatalf("Subset: %v", err)
	}
	if err := Validate(ps, sub); err != nil {
		t.Fatalf("Validate(ps, subset(ps, o)) should hold: %v", err)
	}
	if sub.Create.IsPublic() == false {
		t.Fatalf("create should have been downgraded to public")
	}
	if sub.Read.IsPublic() {
		t.Fatalf("read should have remained secret")
	}
}

func TestCombineRoundTrip(t *testing.T) {
	pk := NewRootPathedKey(mustKey(t))
	ps, err := ToPermission(pk)
	if err != nil {
		t.Fatalf("ToPermission: %v", err)
	}
	sub, err := Subset(ps, PermissionOptions{CanRead: true, CanCreate: true})
	if err != nil {
		t.Fatalf("Subset: %v", err)
	}
	combined, err := Combine(ps, sub)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if err := Validate(combined, ps); err != nil {
		t.Fatalf("combine(a, subset(a,o)) should equal a on public projections: %v", err)
	}
}

func TestCombineCommutative(t *testing.T) {
	pk := NewRootPathedKey(mustKey(t))
	ps, err := ToPermission(pk)
	if err != nil {
		t.Fatalf("ToPermission: %v", err)
	}
	sub, err := Subset(ps, PermissionOptions{CanRead: true})
	if err != nil {
		t.Fatalf("Subset: %v", err)
	}
	ab, err := Combine(ps, sub)
	if err != nil {
		t.Fatalf("Combine(a,b): %v", err)
	}
	ba, err := Combine(sub, ps)
	if err != nil {
		t.Fatalf("Combine(b,a): %v", err)
	}
	if err := Validate(ab.PublicProjection(), ba.PublicProjection()); err != nil {
		t.Fatalf("combine should be commutative on public projections: %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k := mustKey(t)
	msg := []byte("hello pdn")
	ct, err := k.Public().Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := k.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != string(msg) {
		t.Fatalf("round trip mismatch: got %q", pt)
	}
}

func TestSignVerify(t *testing.T) {
	k := mustKey(t)
	msg := []byte("sign me")
	sig, err := k.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !k.Public().Verify(msg, sig) {
		t.Fatalf("verification should succeed")
	}
	if k.Public().Verify([]byte("tampered"), sig) {
		t.Fatalf("verification should fail for a different message")
	}
}
