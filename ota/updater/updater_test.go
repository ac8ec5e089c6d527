package updater

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"testing"

	"github.com/juju/errors"

	"github.com/amebaz-tools/otau/boardcfg"
	"github.com/amebaz-tools/otau/ota/bank"
	"github.com/amebaz-tools/otau/ota/flash"
	"github.com/amebaz-tools/otau/ota/header"
	"github.com/amebaz-tools/otau/ota/verify"
)

type img struct {
	id     string
	addr   uint32
	data   []byte
	badSum bool
}

func byteSum(b []byte) uint32 {
	var s uint32
	for _, c := range b {
		s += uint32(c)
	}
	return s
}

// buildFile assembles a firmware file: file header, one record per image,
// then the image payloads back to back.
func buildFile(imgs ...img) []byte {
	hdrLen := header.FileHeaderLen + len(imgs)*header.RecordLen
	b := make([]byte, hdrLen)
	binary.LittleEndian.PutUint32(b[0:4], 1) // firmware version
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(imgs)))
	off := uint32(hdrLen)
	for i, im := range imgs {
		sum := byteSum(im.data)
		if im.badSum {
			sum++
		}
		p := b[header.FileHeaderLen+i*header.RecordLen:]
		copy(p[0:4], im.id)
		binary.LittleEndian.PutUint32(p[4:8], header.RecordLen)
		binary.LittleEndian.PutUint32(p[8:12], uint32(len(im.data)))
		binary.LittleEndian.PutUint32(p[12:16], im.addr)
		binary.LittleEndian.PutUint32(p[16:20], off)
		binary.LittleEndian.PutUint32(p[20:24], sum)
		off += uint32(len(im.data))
	}
	for _, im := range imgs {
		b = append(b, im.data...)
	}
	return b
}

func imageBody(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*31)
	}
	// A signature of all 0xff would be indistinguishable from erased flash.
	copy(b, []byte{0x99, 0x99, 0x96, 0x96, 0x3f, 0xcc, 0x66, 0xfc})
	return b
}

type testEnv struct {
	mem   *flash.Mem
	dev   *flash.Guard
	board *boardcfg.Config
	u     *Updater
	reset chan struct{}
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	board := boardcfg.Default()
	mem := flash.NewMem(board.FlashSize)
	dev := flash.NewGuard(mem)
	// Plant the running bank's on-flash header so bank resolution can see
	// where the bank1 image ends.
	if err := flash.WriteWord(mem, board.Bank1Addr+header.SignatureLen, 0x10000); err != nil {
		t.Fatalf("writing bank1 header: %v", err)
	}
	e := &testEnv{mem: mem, dev: dev, board: board, reset: make(chan struct{}, 10)}
	e.u = New(Config{
		Dev:   dev,
		Board: board,
		Reset: func() { e.reset <- struct{}{} },
	})
	return e
}

func (e *testEnv) resetRequested() bool {
	select {
	case <-e.reset:
		return true
	default:
		return false
	}
}

// serveLocal runs a one-shot local update server: the 12-byte file info
// preamble, then the firmware file.
func serveLocal(t *testing.T, file []byte) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var fi [12]byte
		binary.LittleEndian.PutUint32(fi[0:4], byteSum(file))
		binary.LittleEndian.PutUint32(fi[8:12], uint32(len(file)))
		conn.Write(fi[:])
		conn.Write(file)
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// serveHTTP runs a one-shot HTTP update server speaking just enough of the
// protocol: it swallows the request and writes a fixed 200 response.
func serveHTTP(t *testing.T, file []byte) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		conn.Read(buf)
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nServer: test\r\nContent-Length: %d\r\n\r\n", len(file))
		// Split the write so header parsing sees the body arrive separately.
		conn.Write(file[:7])
		conn.Write(file[7:])
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestLocalUpdate(t *testing.T) {
	e := newEnv(t)
	payload := imageBody(9000, 3)
	file := buildFile(img{id: "OTA2", addr: e.board.Bank2DefaultAddr, data: payload})

	host, port := serveLocal(t, file)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("BeginLocalUpdate refused")
	}
	if err := e.u.Wait(); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if got := e.mem.Bytes(e.board.Bank2DefaultAddr, uint32(len(payload))); !bytes.Equal(got, payload) {
		t.Fatalf("bank2 contents differ from the image")
	}
	st := &bank.Store{SysAddr: e.board.SysDataAddr}
	if idx, _ := st.ActiveIndex(e.dev); idx != bank.Bank2 {
		t.Fatalf("active index %v after commit", idx)
	}
	if !e.resetRequested() {
		t.Fatalf("no reset after successful update")
	}
}

func TestHTTPUpdate(t *testing.T) {
	e := newEnv(t)
	payload := imageBody(5000, 7)
	file := buildFile(img{id: "OTA2", addr: e.board.Bank2DefaultAddr, data: payload})

	host, port := serveHTTP(t, file)
	if !e.u.BeginHTTPUpdate(host, port, "fw.bin") {
		t.Fatalf("BeginHTTPUpdate refused")
	}
	if err := e.u.Wait(); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := e.mem.Bytes(e.board.Bank2DefaultAddr, uint32(len(payload))); !bytes.Equal(got, payload) {
		t.Fatalf("bank2 contents differ from the image")
	}
}

func TestChecksumFailureRollsBackThenRetrySucceeds(t *testing.T) {
	e := newEnv(t)
	payload := imageBody(9000, 5)

	// First attempt: the file declares a checksum off by one.
	bad := buildFile(img{id: "OTA2", addr: e.board.Bank2DefaultAddr, data: payload, badSum: true})
	host, port := serveLocal(t, bad)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("BeginLocalUpdate refused")
	}
	err := e.u.Wait()
	if errors.Cause(err) != verify.ErrChecksumMismatch {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
	// The first sector of the target bank must be erased, so no partial
	// image can ever pass for a bootable one.
	blank := bytes.Repeat([]byte{0xff}, flash.SectorSize)
	if got := e.mem.Bytes(e.board.Bank2DefaultAddr, flash.SectorSize); !bytes.Equal(got, blank) {
		t.Fatalf("target bank not rolled back")
	}
	st := &bank.Store{SysAddr: e.board.SysDataAddr}
	if idx, _ := st.ActiveIndex(e.dev); idx != bank.Bank1 {
		t.Fatalf("active index flipped on a failed update")
	}
	if e.resetRequested() {
		t.Fatalf("reset requested on a failed update")
	}

	// Second attempt with the corrected file goes through.
	good := buildFile(img{id: "OTA2", addr: e.board.Bank2DefaultAddr, data: payload})
	host, port = serveLocal(t, good)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("retry refused")
	}
	if err := e.u.Wait(); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := e.mem.Bytes(e.board.Bank2DefaultAddr, uint32(len(payload))); !bytes.Equal(got, payload) {
		t.Fatalf("bank2 contents differ after retry")
	}
	if idx, _ := st.ActiveIndex(e.dev); idx != bank.Bank2 {
		t.Fatalf("active index %v after retry", idx)
	}
}

func TestSecondRequestIgnoredWhileBusy(t *testing.T) {
	e := newEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn // stall: never send anything
	}()
	addr := ln.Addr().(*net.TCPAddr)

	if !e.u.BeginLocalUpdate("127.0.0.1", addr.Port) {
		t.Fatalf("first request refused")
	}
	conn := <-accepted
	if e.u.BeginLocalUpdate("127.0.0.1", addr.Port) {
		t.Fatalf("second request accepted while busy")
	}
	conn.Close()
	ln.Close()
	if err := e.u.Wait(); err == nil {
		t.Fatalf("stalled attempt reported success")
	}

	// With the first attempt finished, requests are accepted again.
	payload := imageBody(1000, 9)
	file := buildFile(img{id: "OTA2", addr: e.board.Bank2DefaultAddr, data: payload})
	host, port := serveLocal(t, file)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("request refused after previous attempt ended")
	}
	if err := e.u.Wait(); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

func TestRecoveryImage(t *testing.T) {
	e := newEnv(t)
	payload := imageBody(6000, 11)
	rdp := make([]byte, 2048)
	for i := range rdp {
		rdp[i] = byte(i * 3)
	}
	file := buildFile(
		img{id: "OTA2", addr: e.board.Bank2DefaultAddr, data: payload},
		img{id: "RDP\x00", addr: e.board.RecoveryAddr, data: rdp},
	)
	host, port := serveLocal(t, file)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("BeginLocalUpdate refused")
	}
	if err := e.u.Wait(); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := e.mem.Bytes(e.board.RecoveryAddr, uint32(len(rdp))); !bytes.Equal(got, rdp) {
		t.Fatalf("recovery image not written")
	}
	if got := e.mem.Bytes(e.board.Bank2DefaultAddr, uint32(len(payload))); !bytes.Equal(got, payload) {
		t.Fatalf("primary image not written")
	}
}

func TestImageBuiltForWrongAddress(t *testing.T) {
	e := newEnv(t)
	payload := imageBody(1000, 13)
	file := buildFile(img{id: "OTA2", addr: 0x90000, data: payload})
	host, port := serveLocal(t, file)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("BeginLocalUpdate refused")
	}
	if err := e.u.Wait(); errors.Cause(err) != bank.ErrBadAddress {
		t.Fatalf("got %v, want ErrBadAddress", err)
	}
}

func TestNoMatchingImage(t *testing.T) {
	e := newEnv(t)
	payload := imageBody(1000, 15)
	// The file only carries an image for the bank we are running from.
	file := buildFile(img{id: "OTA1", addr: e.board.Bank1Addr, data: payload})
	host, port := serveLocal(t, file)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("BeginLocalUpdate refused")
	}
	if err := e.u.Wait(); errors.Cause(err) != header.ErrNoMatchingImage {
		t.Fatalf("got %v, want ErrNoMatchingImage", err)
	}
}

func TestCustomSignatureGate(t *testing.T) {
	e := newEnv(t)
	e.board.CustomSignature = "vendor-rev-7"

	payload := imageBody(2000, 17)
	field := make([]byte, verify.CustomSigLen)
	copy(field, "vendor-rev-8") // image built for a different vendor rev
	copy(payload[header.ImageHeaderLen:], field)
	file := buildFile(img{id: "OTA2", addr: e.board.Bank2DefaultAddr, data: payload})
	host, port := serveLocal(t, file)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("BeginLocalUpdate refused")
	}
	if err := e.u.Wait(); errors.Cause(err) != verify.ErrSignatureMismatch {
		t.Fatalf("got %v, want ErrSignatureMismatch", err)
	}
	blank := bytes.Repeat([]byte{0xff}, flash.SectorSize)
	if got := e.mem.Bytes(e.board.Bank2DefaultAddr, flash.SectorSize); !bytes.Equal(got, blank) {
		t.Fatalf("rejected image not rolled back")
	}

	// The matching signature passes.
	copy(payload[header.ImageHeaderLen:], make([]byte, verify.CustomSigLen))
	copy(payload[header.ImageHeaderLen:], "vendor-rev-7")
	file = buildFile(img{id: "OTA2", addr: e.board.Bank2DefaultAddr, data: payload})
	host, port = serveLocal(t, file)
	if !e.u.BeginLocalUpdate(host, port) {
		t.Fatalf("retry refused")
	}
	if err := e.u.Wait(); err != nil {
		t.Fatalf("update failed: %v", err)
	}
}
