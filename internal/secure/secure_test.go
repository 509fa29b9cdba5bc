package secure

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)

	cases := [][]byte{
		[]byte("hello"),
		{},
		[]byte(`{"type":"hello","payload":{"n":7}}`),
		bytes.Repeat([]byte{0xAB}, 1<<20), // 1 MiB
	}

	for _, plaintext := range cases {
		token, err := Seal(key, plaintext)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		got, err := Open(key, token)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch for %d-byte plaintext", len(plaintext))
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	k1 := testKey(t)
	k2 := testKey(t)

	token, err := Seal(k1, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := Open(k2, token)
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Open with wrong key: err = %v, want ErrDecrypt", err)
	}
	if got != nil {
		t.Errorf("Open with wrong key returned plaintext %q", got)
	}
}

func TestOpenTamperedToken(t *testing.T) {
	key := testKey(t)
	token, err := Seal(key, []byte("payload under test"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(token)
	// Flip one bit in every position: nonce, tag, and ciphertext must all
	// be covered by authentication.
	for i := range raw {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01

		if _, err := Open(key, base64.StdEncoding.EncodeToString(mutated)); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("tampered byte %d: err = %v, want ErrDecrypt", i, err)
		}
	}
}

func TestOpenMalformedToken(t *testing.T) {
	key := testKey(t)

	cases := []string{
		"",
		"not base64 !!!",
		base64.StdEncoding.EncodeToString(make([]byte, 27)), // one short of nonce+tag
	}
	for _, token := range cases {
		if _, err := Open(key, token); !errors.Is(err, ErrDecrypt) {
			t.Errorf("Open(%q): err = %v, want ErrDecrypt", token, err)
		}
	}
}

func TestDeriveAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	aPub, err := a.PublicBase64()
	if err != nil {
		t.Fatalf("PublicBase64: %v", err)
	}
	bPub, err := b.PublicBase64()
	if err != nil {
		t.Fatalf("PublicBase64: %v", err)
	}

	k1, err := a.Derive(bPub)
	if err != nil {
		t.Fatalf("a.Derive: %v", err)
	}
	k2, err := b.Derive(aPub)
	if err != nil {
		t.Fatalf("b.Derive: %v", err)
	}

	if !bytes.Equal(k1, k2) {
		t.Fatal("derived keys differ")
	}
	if len(k1) != KeySize {
		t.Fatalf("derived key length = %d, want %d", len(k1), KeySize)
	}

	// The agreed key must actually seal and open.
	token, err := Seal(k1, []byte("agreed"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(k2, token)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "agreed" {
		t.Errorf("got %q, want %q", got, "agreed")
	}
}

func TestDeriveRejectsGarbage(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	cases := []string{
		"%%%not-base64%%%",
		base64.StdEncoding.EncodeToString([]byte("not a der structure")),
	}
	for _, pub := range cases {
		if _, err := kp.Derive(pub); err == nil {
			t.Errorf("Derive(%q) succeeded, want error", pub)
		}
	}
}

func TestPublicSPKIStable(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	der, err := kp.PublicSPKI()
	if err != nil {
		t.Fatalf("PublicSPKI: %v", err)
	}
	pub, err := ParsePublic(der)
	if err != nil {
		t.Fatalf("ParsePublic: %v", err)
	}
	if !pub.Equal(kp.priv.PublicKey()) {
		t.Error("SPKI round trip changed the key")
	}
}
