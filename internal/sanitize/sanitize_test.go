package sanitize

import (
	"bytes"
	"testing"
)

func TestSanitizeStripsDisallowedOSCTitle(t *testing.T) {
	in := []byte("\x1b]0;EVIL\x07ok\r\n")
	got := Sanitize(in)
	want := []byte("ok\r\n")
	if !bytes.Equal(got, want) {
		t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
	}
}

func TestSanitizeKeepsAllowedOSCColor(t *testing.T) {
	in := []byte("\x1b]11;#00ff00\x07")
	got := Sanitize(in)
	if !bytes.Equal(got, in) {
		t.Errorf("Sanitize(%q) = %q, want unchanged", in, got)
	}
}

func TestSanitizeStripsOSCClipboard52(t *testing.T) {
	in := []byte("before\x1b]52;c;ZGF0YQ==\x07after")
	got := Sanitize(in)
	want := []byte("beforeafter")
	if !bytes.Equal(got, want) {
		t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
	}
}

func TestSanitizeStripsDCS(t *testing.T) {
	in := []byte("a\x1bPsome dcs payload\x1b\\b")
	got := Sanitize(in)
	want := []byte("ab")
	if !bytes.Equal(got, want) {
		t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
	}
}

func TestSanitizeStripsAPC(t *testing.T) {
	in := []byte("x\x1b_payload\x1b\\y")
	got := Sanitize(in)
	want := []byte("xy")
	if !bytes.Equal(got, want) {
		t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
	}
}

func TestSanitizeStripsPM(t *testing.T) {
	in := []byte("x\x1b^payload\x1b\\y")
	got := Sanitize(in)
	want := []byte("xy")
	if !bytes.Equal(got, want) {
		t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
	}
}

func TestSanitizeStripsSOS(t *testing.T) {
	in := []byte("x\x1bXpayload\x1b\\y")
	got := Sanitize(in)
	want := []byte("xy")
	if !bytes.Equal(got, want) {
		t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
	}
}

func TestSanitizePreservesPlainText(t *testing.T) {
	in := []byte("hello\r\n$ ")
	got := Sanitize(in)
	if !bytes.Equal(got, in) {
		t.Errorf("Sanitize(%q) = %q, want unchanged", in, got)
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	inputs := [][]byte{
		[]byte("\x1b]0;EVIL\x07ok\r\n"),
		[]byte("\x1b]11;#00ff00\x07"),
		[]byte("plain \x1bPdcs\x1b\\ text"),
		[]byte("bullet • circle ○"),
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if !bytes.Equal(once, twice) {
			t.Errorf("Sanitize not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestSanitizeNormalizesAmbiguousBullet(t *testing.T) {
	in := []byte("• item")
	got := Sanitize(in)
	if bytes.Equal(got, in) {
		t.Error("expected a text-presentation selector to be appended after the bullet")
	}
	if !bytes.Contains(got, []byte("•")) {
		t.Error("bullet rune itself should still be present")
	}
}

func TestSanitizeDropsUnterminatedTrailingSequence(t *testing.T) {
	in := []byte("ok\x1b]0;never terminated")
	got := Sanitize(in)
	want := []byte("ok")
	if !bytes.Equal(got, want) {
		t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
	}
}
