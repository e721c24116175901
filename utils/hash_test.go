package utils

import (
	"strings"
	"testing"
)

func TestHashBytes(t *testing.T) {
	got := HashBytes([]byte("hello"))
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("HashBytes(hello) = %s, want %s", got, want)
	}
}

func TestHashBytesDeterministic(t *testing.T) {
	data := []byte("same bytes twice")
	if HashBytes(data) != HashBytes(data) {
		t.Error("identical input produced different hashes")
	}
	if HashBytes([]byte("a")) == HashBytes([]byte("b")) {
		t.Error("different input produced identical hashes")
	}
}

func TestHashReader(t *testing.T) {
	got, err := HashReader(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("HashReader failed: %v", err)
	}
	if got != HashBytes([]byte("hello")) {
		t.Errorf("HashReader and HashBytes disagree: %s", got)
	}
}

func TestHashString(t *testing.T) {
	if HashString("hello") != HashBytes([]byte("hello")) {
		t.Error("HashString and HashBytes disagree")
	}
}
