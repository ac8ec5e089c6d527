package verify

import (
	"testing"

	"github.com/juju/errors"

	"github.com/amebaz-tools/otau/ota/flash"
)

func sum(bs ...[]byte) uint32 {
	var s uint32
	for _, b := range bs {
		for _, c := range b {
			s += uint32(c)
		}
	}
	return s
}

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + 5)
	}
	return b
}

func TestChecksum(t *testing.T) {
	const addr = 0x8000
	mem := flash.NewMem(64 * 1024)
	dev := flash.NewGuard(mem)
	sig := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload := body(5000) // spans multiple read-back windows
	if err := dev.Write(addr, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	declared := sum(sig, payload)

	if err := Checksum(dev, addr, uint32(len(payload)), sig, declared); err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if err := Checksum(dev, addr, uint32(len(payload)), sig, declared+1); errors.Cause(err) != ErrChecksumMismatch {
		t.Fatalf("wrong declared sum: got %v", err)
	}

	// A single corrupted byte must be caught.
	if err := dev.Write(addr+100, []byte{payload[100] + 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Checksum(dev, addr, uint32(len(payload)), sig, declared); errors.Cause(err) != ErrChecksumMismatch {
		t.Fatalf("corrupted byte: got %v", err)
	}
}

func TestChecksumWithoutSignature(t *testing.T) {
	const addr = 0x4000
	mem := flash.NewMem(64 * 1024)
	dev := flash.NewGuard(mem)
	payload := body(300)
	if err := dev.Write(addr, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Checksum(dev, addr, uint32(len(payload)), nil, sum(payload)); err != nil {
		t.Fatalf("Checksum: %v", err)
	}
}

func TestChecksumUsesDecodedView(t *testing.T) {
	// With the decode transform active over the image region, the normal read
	// path returns transformed bytes, but verification must see the bytes as
	// written.
	const addr = 0x8000
	mem := flash.NewMem(64 * 1024)
	mem.SetDecode(0x5a, flash.Region{Addr: addr, Len: 0x1000})
	dev := flash.NewGuard(mem)
	payload := body(1024)
	if err := dev.Write(addr, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	probe := make([]byte, 4)
	if err := dev.Read(addr, probe); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if probe[0] == payload[0] {
		t.Fatalf("decode transform not active")
	}
	if err := Checksum(dev, addr, uint32(len(payload)), nil, sum(payload)); err != nil {
		t.Fatalf("Checksum through decoded view: %v", err)
	}
}

func TestCustomSignature(t *testing.T) {
	const addr = 0x2000
	mem := flash.NewMem(64 * 1024)
	dev := flash.NewGuard(mem)

	field := make([]byte, CustomSigLen)
	copy(field, "vendor-rev-7")
	if err := dev.Write(addr, field); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := CustomSignature(dev, addr, "vendor-rev-7"); err != nil {
		t.Fatalf("CustomSignature: %v", err)
	}
	if err := CustomSignature(dev, addr, "vendor-rev-8"); errors.Cause(err) != ErrSignatureMismatch {
		t.Fatalf("wrong signature accepted: %v", err)
	}
	long := make([]byte, CustomSigLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := CustomSignature(dev, addr, string(long)); err == nil {
		t.Fatalf("oversized configured signature accepted")
	}
}
