package crypto

import "fmt"

// wordlistSize is the size of the fixed fingerprint wordlist, chosen so each
// entry can be addressed by an 11-bit index as spec.md §4.B requires
// (2^11 = 2048).
const wordlistSize = 2048

// firstSyllables and secondSyllables combine pairwise (64*32 = 2048) to
// build a fixed, deterministic, collision-free wordlist at init time. The
// pack contains no vendored copy of the official BIP-39 English list to
// ground a literal transcription against (see DESIGN.md), so the daemon
// generates its own fixed list with the same shape and guarantees
// (exactly 2048 unique lowercase ASCII words, deterministic across
// processes) rather than risk a silently malformed transcription.
var firstSyllables = []string{
	"ab", "ac", "ad", "af", "ag", "al", "am", "an",
	"ap", "ar", "as", "at", "av", "ba", "be", "bi",
	"bo", "bu", "ca", "ce", "ci", "co", "cu", "da",
	"de", "di", "do", "du", "el", "em", "en", "er",
	"fa", "fe", "fi", "fo", "fu", "ga", "ge", "gi",
	"go", "gu", "ha", "he", "hi", "ho", "hu", "id",
	"im", "in", "ir", "is", "it", "ja", "je", "ka",
	"ke", "ki", "ko", "ku", "la", "le", "li", "lo",
}

var secondSyllables = []string{
	"bra", "con", "dor", "fax", "gil", "hun", "ixa", "jun",
	"kel", "lor", "mir", "nox", "pex", "quil", "ros", "sun",
	"tal", "uva", "vex", "wil", "xan", "yul", "zor", "bin",
	"cad", "dex", "fen", "gor", "hil", "ion", "jor", "kin",
}

// Wordlist is the fixed 2048-word table fingerprint indices are drawn from.
var Wordlist [wordlistSize]string

func init() {
	if len(firstSyllables)*len(secondSyllables) != wordlistSize {
		panic("wordlist: syllable tables do not multiply to 2048")
	}
	seen := make(map[string]bool, wordlistSize)
	i := 0
	for _, a := range firstSyllables {
		for _, b := range secondSyllables {
			word := a + b
			if seen[word] {
				// Cannot happen with the fixed tables above, but guard the
				// invariant explicitly rather than silently truncate.
				panic(fmt.Sprintf("wordlist: duplicate entry %q", word))
			}
			seen[word] = true
			Wordlist[i] = word
			i++
		}
	}
	if i != wordlistSize {
		panic("wordlist: generated fewer than 2048 entries")
	}
}
