// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// tdk is the maintenance utility for TODOKANAI storage: it generates
// master key files, lists password dictionaries, inspects encrypted
// store containers and converts public key encodings.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Nekotekina/TODOKANAI/keymgr"
	"github.com/Nekotekina/TODOKANAI/keymgr/keys"
	"github.com/Nekotekina/TODOKANAI/serialize"
	"github.com/Nekotekina/TODOKANAI/store"
)

const version = "0.1.0"

// termUI answers the key manager's user prompts on the terminal.
type termUI struct{}

// Warn prints the message and asks whether to retry.
func (termUI) Warn(msg string) bool {
	fmt.Fprintf(os.Stderr, "%s\nRetry? [y/N]: ", msg)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

// Fatal reports an unrecoverable condition and terminates.
func (termUI) Fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func main() {
	if err := tdkMain(); err != nil {
		os.Exit(1)
	}
}

func tdkMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	defer logRotator.Close()
	setLogLevels(cfg.DebugLevel)

	switch {
	case cfg.Dicts:
		listDicts()
		return nil

	case cfg.GenKey:
		return genKey(cfg)

	case cfg.Check != "":
		return checkContainer(cfg, cfg.Check)

	case cfg.Info != "":
		return keyInfo(cfg.Info)
	}

	fmt.Fprintln(os.Stderr, "no command given; see --help")
	return nil
}

// listDicts prints the password dictionaries with their per-element
// strengths and example passwords.
func listDicts() {
	for id := 0; id < keymgr.DictCount(); id++ {
		strength := keymgr.DictStrength(id)
		fmt.Printf("%d: %s (%d.%02d bits/element)\n",
			id, keymgr.DictName(id), strength/100, strength%100)
	}
}

// genKey generates a password from the configured dictionary, derives
// a master key from it, saves the key file and prints the password
// exactly once. The password is the only way to regenerate the key.
func genKey(cfg *Config) error {
	if _, err := os.Stat(cfg.keyfilePath); err == nil {
		err = fmt.Errorf("key file %s already exists", cfg.keyfilePath)
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	k := keymgr.New(cfg.keyfilePath, termUI{})
	defer k.Reset()

	log.Infof("Deriving a new master key, this takes a few seconds...")
	k.Generate(cfg.Prefix, cfg.Dict, cfg.Words)
	k.Save()
	log.Infof("Master key saved to %s", cfg.keyfilePath)

	fmt.Printf("Write the password down, it is shown only once:\n%s\n",
		string(k.Password()))
	return nil
}

// containerKey derives the AES-256 key of a store container from the
// master key. The convention binds the key to the container's base
// name so that renaming a container makes it unreadable.
func containerKey(k *keymgr.MasterKey, path string) [32]byte {
	var key [32]byte
	copy(key[:], k.Derive("view:"+filepath.Base(path)))
	return key
}

// containerSalt derives the combined-hash salt of a store container
// from the master key.
func containerSalt(k *keymgr.MasterKey, path string) []byte {
	return append([]byte(nil), k.Derive("salt:"+filepath.Base(path))...)
}

// checkContainer opens a store container with subkeys derived from the
// master key file and runs the store's own recovery, reporting the
// record count and the error bits it produced. Records are traversed
// as raw byte blobs, so the report does not depend on the owning
// application's record types.
func checkContainer(cfg *Config, path string) error {
	k := keymgr.New(cfg.keyfilePath, termUI{})
	defer k.Reset()
	if !k.Load() {
		err := fmt.Errorf("cannot load key file %s", cfg.keyfilePath)
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	key := containerKey(k, path)
	salt := containerSalt(k, path)
	v, err := store.OpenView(path, &key)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	m, err := store.Open(v, salt,
		func(c *serialize.Context, rawKey *string) { c.String(rawKey) },
		func(c *serialize.Context, rawVal *[]byte) { c.Bytes(rawVal) })
	if err != nil {
		v.Close()
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer m.Close()

	var records int
	m.Read(func(r store.Reader[string, []byte]) {
		records = r.Len()
	})
	errs := m.Errors()

	fmt.Printf("%s: %d blocks, %d records, error bits %#x\n",
		path, v.Count(), records, errs)
	if errs != 0 {
		log.Warnf("container %s reports error bits %#x", path, errs)
	}
	return nil
}

// keyInfo parses a public key in base-57 or hex form and prints both
// encodings.
func keyInfo(in string) error {
	var key keys.PubKey
	if !key.SetBase57(in) {
		raw, err := hex.DecodeString(in)
		if err != nil || len(raw) != keys.Size {
			err = fmt.Errorf("%q is neither a base-57 nor a hex public key", in)
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		copy(key[:], raw)
	}

	fmt.Printf("base57: %s\nhex:    %s\n", key.Base57(), key.Hex())
	return nil
}
