// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keymgr

import (
	"math"
	"strings"
)

// dict is a password dictionary: a set of elements a generated
// password is drawn from, with an optional delimiter between elements.
type dict struct {
	words []string
	name  string
	delim byte
}

// Characters removed: 'l', 'B', 'D', 'I', 'O'.
const latinChars = "0123456789abcdefghijkmnopqrstuvwxyzACEFGHJKLMNPQRSTUVWXYZ"

const pinChars = "0123456789"

// Letters removed as visually confusable: б ё л ъ ь В Ё З Л О Ъ Ь.
const cyrillicChars = "0123456789" +
	"авгдежзийкмнопрстуфхцчшщыэюя" +
	"АБГДЕЖИЙКМНПРСТУФХЦЧШЩЫЭЮЯ"

var dicts = []dict{
	{words: splitRunes(latinChars), name: "Latin"},
	{words: splitRunes(pinChars), name: "PIN"},
	{words: splitRunes(cyrillicChars), name: "Cyrillic"},
}

// splitRunes expands a string into one-rune dictionary elements.
func splitRunes(s string) []string {
	words := make([]string, 0, len(s))
	for _, r := range s {
		words = append(words, string(r))
	}
	return words
}

// DictCount returns the number of password dictionaries.
func DictCount() int {
	return len(dicts)
}

// DictStrength returns the bit strength of a single dictionary element
// multiplied by 100 and rounded towards zero.
func DictStrength(id int) int {
	if id < 0 || id >= len(dicts) {
		return 0
	}
	return int(math.Trunc(math.Log2(float64(len(dicts[id].words))) * 100))
}

// DictName returns the dictionary's display name together with an
// example password long enough to carry at least 64 bits of entropy.
func DictName(id int) string {
	if id < 0 || id >= len(dicts) {
		return ""
	}
	d := &dicts[id]

	var sb strings.Builder
	sb.WriteString(d.name)
	sb.WriteString(", ex.: ")

	// Generate password example.
	strength := DictStrength(id)
	size := 6400 / strength
	if 6400%strength != 0 {
		size++
	}
	for i := 0; i < size; i++ {
		if d.delim != 0 && i > 0 {
			sb.WriteByte(d.delim)
		}
		sb.WriteString(d.words[randIndex(len(d.words))])
	}

	return sb.String()
}
