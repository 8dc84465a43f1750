package common

import (
	"testing"
)

func TestPasscodeEncryption(t *testing.T) {
	passcode := "123456"
	src := `{"share":"0a0b","share_index":"01"}`
	encrypted, err := EncryptWithPasscode(passcode, []byte(src))
	if err != nil {
		t.Fatal(err)
	}

	decrypted, err := DecryptWithPasscode(passcode, encrypted)
	if err != nil {
		t.Fatal(err)
	}
	if string(decrypted) != src {
		t.Fatalf("decrypted: %s, expected: %s", decrypted, src)
	}

	again, err := EncryptWithPasscode(passcode, []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if again == encrypted {
		t.Fatal("two encryptions of the same input must differ")
	}
}

func TestPasscodeEncryptionWrongPasscode(t *testing.T) {
	encrypted, err := EncryptWithPasscode("right", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptWithPasscode("wrong", encrypted); err == nil {
		t.Fatal("expected error for wrong passcode")
	}
	if _, err := DecryptWithPasscode("right", encrypted[:10]); err == nil {
		t.Fatal("expected error for truncated ciphertext")
	}
	if _, err := EncryptWithPasscode("", []byte("secret")); err == nil {
		t.Fatal("expected error for empty passcode")
	}
}

func TestWipe(t *testing.T) {
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatal(err)
	}
	Wipe(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
}
