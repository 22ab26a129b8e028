package httpclient

import (
	"bytes"
	"strings"
	"testing"
)

func TestReadAllWithLimitWithinLimit(t *testing.T) {
	payload := []byte("hello")
	got, err := ReadAllWithLimit(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestReadAllWithLimitTooLarge(t *testing.T) {
	payload := []byte("hello")
	_, err := ReadAllWithLimit(bytes.NewReader(payload), 2)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsResponseTooLarge(err) {
		t.Fatalf("expected ResponseTooLargeError, got %v", err)
	}
}

func TestReadAllWithLimitUnlimited(t *testing.T) {
	payload := []byte("hello")
	got, err := ReadAllWithLimit(bytes.NewReader(payload), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestCopyWithLimitWithinLimit(t *testing.T) {
	var buf bytes.Buffer
	n, err := CopyWithLimit(&buf, strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 || buf.String() != "hello" {
		t.Fatalf("expected 5 bytes %q, got %d bytes %q", "hello", n, buf.String())
	}
}

func TestCopyWithLimitTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_, err := CopyWithLimit(&buf, strings.NewReader("hello world"), 4)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsResponseTooLarge(err) {
		t.Fatalf("expected ResponseTooLargeError, got %v", err)
	}
}

func TestCopyWithLimitUnlimited(t *testing.T) {
	var buf bytes.Buffer
	n, err := CopyWithLimit(&buf, strings.NewReader("hello"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 || buf.String() != "hello" {
		t.Fatalf("expected full copy, got %d bytes %q", n, buf.String())
	}
}
