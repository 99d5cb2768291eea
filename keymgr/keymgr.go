// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keymgr implements the master key service. A master key is a
// 128-byte secret derived from a password with a memory-hard KDF (or
// loaded from a key file) from which any number of named subkeys can
// be obtained statelessly via HMAC-SHA-512.
package keymgr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"
)

// SecretSize is the size of the master secret and of the key file.
const SecretSize = 128

// DeriveSize is the size of a derived subkey.
const DeriveSize = sha512.Size

// Scrypt parameters. The selected values use 512 MiB of memory and
// take about 1-2 seconds of single-core load on a typical desktop CPU.
const (
	scryptN = 512 * 1024
	scryptR = 8
	scryptP = 1
)

// Fixed salt is usually insecure, however, it allows obtaining derived
// keys in a stateless manner.
var staticSalt = [64]byte{
	0x06, 0xCA, 0x7E, 0xA7, 0x42, 0x01, 0x65, 0xBB, 0xC1, 0xEF, 0xBB, 0x02, 0x21, 0x5B, 0x90, 0xCF,
	0x2F, 0x45, 0x53, 0x90, 0x75, 0x2D, 0x1C, 0x21, 0x6F, 0x72, 0x36, 0xF4, 0xD4, 0x12, 0xE7, 0xFA,
	0x4A, 0xDB, 0xB1, 0x52, 0x2B, 0x6C, 0xCE, 0xB5, 0x55, 0xF6, 0xA4, 0x41, 0x02, 0xFA, 0x42, 0x0C,
	0x15, 0xB0, 0xAF, 0x6C, 0x35, 0x16, 0x53, 0x0A, 0xA8, 0x9B, 0x43, 0xFA, 0x86, 0xC5, 0xAA, 0xBE,
}

// UI is the contract with the user-facing layer. Warn presents a
// problem and returns true when the user elects to retry; Fatal
// reports an unrecoverable condition and terminates the process.
type UI interface {
	Warn(msg string) bool
	Fatal(msg string)
}

// MasterKey holds the master secret and derives named subkeys from it.
// It is not safe for concurrent use; callers guard it externally or
// keep one per thread of work. All secret material is wiped by Reset.
type MasterKey struct {
	// HMAC-SHA-512 context keyed by the secret.
	mac hash.Hash

	// Path to the key file.
	keyPath string

	// Key file kept opened to deter tampering.
	keyFile *os.File

	// Captured password, if any.
	pass []byte

	// Last derived subkey.
	result [DeriveSize]byte

	// Key generated from the password (key file contents).
	secret [SecretSize]byte

	ui UI
}

// New creates an uninitialized master key bound to a key file path.
// One of InitPassword, InitSecret, Generate or Load must be called
// before Derive.
func New(keyPath string, ui UI) *MasterKey {
	return &MasterKey{keyPath: keyPath, ui: ui}
}

// NewFromSecret creates a master key directly from secret material.
func NewFromSecret(secret []byte, ui UI) *MasterKey {
	k := New("", ui)
	k.InitSecret(secret)
	return k
}

// Reset wipes the secret, the derived key and the captured password,
// and releases the key file. The object may be reinitialized after.
func (k *MasterKey) Reset() {
	zero(k.pass)
	k.pass = nil
	zero(k.result[:])
	zero(k.secret[:])
	k.mac = nil
	if k.keyFile != nil {
		k.keyFile.Close()
		k.keyFile = nil
	}
}

// InitSecret keys the HMAC context with the given secret.
func (k *MasterKey) InitSecret(secret []byte) {
	if len(secret) == 0 {
		k.ui.Fatal("HMAC init failed")
		return
	}
	k.mac = hmac.New(sha512.New, secret)
}

// InitPassword resets the key and derives the master secret from the
// password with scrypt over the fixed salt. On allocation failure the
// user is asked whether to retry; declining terminates the process.
func (k *MasterKey) InitPassword(pass []byte) {
	k.Reset()

	for {
		secret, err := scrypt.Key(pass, staticSalt[:], scryptN, scryptR, scryptP, SecretSize)
		if err == nil {
			copy(k.secret[:], secret)
			zero(secret)
			break
		}
		if !k.ui.Warn("Out of memory. This operation requires 512 MiB of free memory.") {
			k.ui.Fatal("key derivation failed")
			return
		}
	}

	k.InitSecret(k.secret[:])
	k.SetPass(pass)
}

// Derive returns the 64-byte subkey for the given info label. Equal
// labels always produce equal keys for one master secret. The returned
// slice aliases the key's internal buffer and is overwritten by the
// next Derive; it is wiped on Reset.
func (k *MasterKey) Derive(info string) []byte {
	if k.mac == nil {
		return nil
	}
	k.mac.Reset()
	io.WriteString(k.mac, info)
	k.mac.Sum(k.result[:0])
	return k.result[:]
}

// Generate constructs a password from the prefix followed by words
// uniformly random elements of the chosen dictionary, and initializes
// the key from it. The randomness comes from the system CSPRNG.
func (k *MasterKey) Generate(prefix string, dictID, words int) {
	d := &dicts[dictID]

	pass := make([]byte, 0, len(prefix)+words*17)
	pass = append(pass, prefix...)
	for i := 0; i < words; i++ {
		if d.delim != 0 && i > 0 {
			pass = append(pass, d.delim)
		}
		pass = append(pass, d.words[randIndex(len(d.words))]...)
	}

	k.InitPassword(pass)
	zero(pass)
}

// randIndex draws a random index below n from the system CSPRNG.
func randIndex(n int) int {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return int(binary.BigEndian.Uint32(b[:]) % uint32(n))
}

// Load reads the raw secret from the key file. The file is kept open
// for the lifetime of the key. It returns false when the file is
// missing, unreadable or too short.
func (k *MasterKey) Load() bool {
	k.Reset()

	f, err := os.OpenFile(k.keyPath, os.O_RDWR, 0600)
	if err != nil {
		return false
	}
	if _, err := io.ReadFull(f, k.secret[:]); err != nil {
		f.Close()
		k.Reset()
		return false
	}

	k.keyFile = f
	k.InitSecret(k.secret[:])
	return true
}

// Save writes the raw secret to a fresh key file with owner-only
// permissions. The file must not already exist; it is kept open for
// the lifetime of the key. Failure to create the file is fatal.
func (k *MasterKey) Save() {
	f, err := os.OpenFile(k.keyPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		k.ui.Fatal("Failed to create key file. Check permissions and try again.")
		return
	}
	if _, err := f.Write(k.secret[:]); err != nil {
		f.Close()
		k.ui.Fatal("Failed to create key file. Check permissions and try again.")
		return
	}

	k.keyFile = f
}

// SetPass captures a copy of the password. The copy is wiped on Reset.
func (k *MasterKey) SetPass(pass []byte) {
	zero(k.pass)
	k.pass = append([]byte(nil), pass...)
}

// Password returns the captured password, or nil.
func (k *MasterKey) Password() []byte {
	return k.pass
}

// zero wipes secret material in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
