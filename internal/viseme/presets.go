package viseme

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Built-in library names.
const (
	LibraryPhonetic   = "phonetic"
	LibrarySimplified = "simplified"
	LibraryIPA        = "ipa"
	LibraryOculus     = "oculus"
)

// DefaultLibrary is selected when no library is configured.
const DefaultLibrary = LibraryPhonetic

// prototypes are the reference mouth poses every preset draws from.
// Field order: jaw, width, height, protrusion, upperRaise, lowerDepress,
// cornerPull, tongue, teeth.
var prototypes = map[string][ShapeFieldCount]float64{
	"sil": {0, 0.5, 0, 0, 0, 0, 0, 0, 0},
	"aa":  {0.7, 0.55, 0.7, 0, 0.2, 0.4, 0.1, 0.1, 0.3},
	"ae":  {0.55, 0.7, 0.5, 0, 0.25, 0.35, 0.3, 0.2, 0.4},
	"ah":  {0.5, 0.5, 0.5, 0, 0.15, 0.3, 0.1, 0.2, 0.25},
	"ao":  {0.55, 0.35, 0.6, 0.4, 0.1, 0.3, 0, 0.1, 0.15},
	"eh":  {0.4, 0.65, 0.4, 0, 0.2, 0.25, 0.3, 0.4, 0.4},
	"er":  {0.3, 0.4, 0.3, 0.35, 0.1, 0.15, 0.05, 0.6, 0.2},
	"ih":  {0.3, 0.7, 0.3, 0, 0.2, 0.2, 0.4, 0.5, 0.45},
	"iy":  {0.2, 0.85, 0.2, 0, 0.25, 0.15, 0.6, 0.6, 0.55},
	"uh":  {0.3, 0.35, 0.3, 0.5, 0.05, 0.1, 0, 0.3, 0.1},
	"uw":  {0.2, 0.2, 0.25, 0.9, 0, 0.05, 0, 0.3, 0},
	"ow":  {0.45, 0.3, 0.5, 0.7, 0.05, 0.2, 0, 0.2, 0.05},
	"oy":  {0.45, 0.4, 0.45, 0.6, 0.1, 0.2, 0.1, 0.3, 0.1},
	"aw":  {0.6, 0.45, 0.6, 0.35, 0.15, 0.35, 0.05, 0.15, 0.2},
	"ay":  {0.6, 0.65, 0.55, 0, 0.2, 0.35, 0.3, 0.3, 0.35},
	"pp":  {0, 0.5, 0, 0.15, 0, 0, 0, 0, 0},
	"ff":  {0.1, 0.55, 0.1, 0, 0.3, 0.5, 0.1, 0.1, 0.7},
	"th":  {0.15, 0.55, 0.15, 0, 0.2, 0.2, 0.1, 1, 0.5},
	"dd":  {0.2, 0.55, 0.2, 0, 0.15, 0.15, 0.15, 0.8, 0.45},
	"kk":  {0.3, 0.5, 0.25, 0, 0.1, 0.2, 0.1, 0.2, 0.35},
	"ch":  {0.2, 0.35, 0.25, 0.7, 0.3, 0.2, 0, 0.6, 0.55},
	"ss":  {0.1, 0.7, 0.1, 0, 0.2, 0.15, 0.35, 0.7, 0.8},
	"nn":  {0.15, 0.55, 0.15, 0, 0.1, 0.1, 0.15, 0.85, 0.3},
	"rr":  {0.25, 0.35, 0.25, 0.55, 0.1, 0.1, 0, 0.5, 0.2},
	"ll":  {0.25, 0.55, 0.25, 0, 0.15, 0.15, 0.15, 0.9, 0.35},
	"ww":  {0.15, 0.15, 0.2, 0.95, 0, 0, 0, 0.2, 0},
	"yy":  {0.2, 0.75, 0.2, 0, 0.2, 0.15, 0.5, 0.7, 0.45},
	"hh":  {0.4, 0.5, 0.4, 0, 0.1, 0.2, 0.05, 0.2, 0.2},
	"zh":  {0.15, 0.4, 0.2, 0.6, 0.25, 0.2, 0, 0.6, 0.55},
	"ng":  {0.25, 0.5, 0.2, 0, 0.1, 0.15, 0.1, 0.3, 0.3},
}

var vowelPrototypes = map[string]bool{
	"aa": true, "ae": true, "ah": true, "ao": true, "eh": true, "er": true,
	"ih": true, "iy": true, "uh": true, "uw": true, "ow": true, "oy": true,
	"aw": true, "ay": true,
}

// symbols maps phoneme spellings (ARPAbet, IPA, letters and digraphs) to a
// prototype.
var symbols = map[string]string{
	// Silence
	"sil": "sil", "SIL": "sil", "sp": "sil", "pau": "sil", "": "sil", " ": "sil",

	// ARPAbet vowels
	"AA": "aa", "AE": "ae", "AH": "ah", "AO": "ao", "AW": "aw", "AY": "ay",
	"EH": "eh", "ER": "er", "EY": "eh", "IH": "ih", "IY": "iy", "OW": "ow",
	"OY": "oy", "UH": "uh", "UW": "uw", "AX": "ah", "IX": "ih",

	// ARPAbet consonants
	"B": "pp", "P": "pp", "M": "pp",
	"F": "ff", "V": "ff",
	"TH": "th", "DH": "th",
	"T": "dd", "D": "dd",
	"N": "nn", "L": "ll",
	"K": "kk", "G": "kk", "NG": "ng",
	"HH": "hh",
	"CH": "ch", "JH": "ch", "SH": "ch", "ZH": "zh",
	"S": "ss", "Z": "ss",
	"R": "rr", "W": "ww", "Y": "yy",

	// Letters and digraphs
	"a": "aa", "e": "eh", "i": "ih", "o": "ow", "u": "uw",
	"b": "pp", "p": "pp", "m": "pp",
	"f": "ff", "v": "ff",
	"t": "dd", "d": "dd",
	"n": "nn", "l": "ll",
	"k": "kk", "g": "kk", "c": "kk", "q": "kk", "x": "kk",
	"j": "ch", "s": "ss", "z": "ss",
	"r": "rr", "w": "ww", "y": "yy", "h": "hh",
	"th": "th", "ch": "ch", "sh": "ch", "ng": "ng",

	// IPA
	"ɑ": "aa", "æ": "ae", "ʌ": "ah", "ə": "ah", "ɔ": "ao", "ɛ": "eh",
	"ɝ": "er", "ɚ": "er", "ɪ": "ih", "ʊ": "uh",
	"aɪ": "ay", "aʊ": "aw", "ɔɪ": "oy", "eɪ": "eh", "oʊ": "ow",
	"θ": "th", "ð": "th", "ʃ": "ch", "ʒ": "zh", "tʃ": "ch", "dʒ": "ch",
	"ŋ": "ng", "ɹ": "rr", "ɾ": "dd", "ʔ": "sil",
}

type presetViseme struct {
	id, name, prototype string
}

type preset struct {
	name      string
	languages []string
	visemes   []presetViseme
	// reduce folds prototypes without their own viseme onto one that exists.
	reduce map[string]string
	// overrides replace symbol mappings for this preset only.
	overrides map[string]string
	metadata  map[string]string
}

var presets = []preset{
	{
		name:      LibraryPhonetic,
		languages: []string{"en"},
		visemes: []presetViseme{
			{"sil", "Silence", "sil"},
			{"aa", "Open back (father)", "aa"},
			{"ae", "Open front (cat)", "ae"},
			{"ah", "Open mid (but)", "ah"},
			{"ao", "Open rounded (thought)", "ao"},
			{"eh", "Mid front (bed)", "eh"},
			{"er", "Rhotic (bird)", "er"},
			{"ih", "Near-close front (sit)", "ih"},
			{"iy", "Close front (see)", "iy"},
			{"uh", "Near-close back (book)", "uh"},
			{"uw", "Close back (boot)", "uw"},
			{"ow", "Mid back (go)", "ow"},
			{"pp", "Bilabial (p b m)", "pp"},
			{"ff", "Labiodental (f v)", "ff"},
			{"th", "Dental (th)", "th"},
			{"dd", "Alveolar stop (t d)", "dd"},
			{"kk", "Velar (k g)", "kk"},
			{"ch", "Postalveolar (ch sh j)", "ch"},
			{"ss", "Sibilant (s z)", "ss"},
			{"nn", "Nasal/lateral (n l)", "nn"},
			{"rr", "Approximant (r)", "rr"},
		},
		reduce: map[string]string{
			"aw": "aa", "ay": "aa", "oy": "ao", "ll": "nn", "ww": "uw",
			"yy": "iy", "hh": "ah", "zh": "ch", "ng": "kk",
		},
	},
	{
		name:      LibrarySimplified,
		languages: []string{"en"},
		visemes: []presetViseme{
			{"sil", "Rest", "sil"},
			{"aa", "Open", "aa"},
			{"eh", "Mid spread", "eh"},
			{"iy", "Wide", "iy"},
			{"ow", "Round open", "ow"},
			{"uw", "Round closed", "uw"},
			{"pp", "Closed lips", "pp"},
			{"ff", "Lip on teeth", "ff"},
			{"dd", "Tongue tip", "dd"},
			{"kk", "Back tongue", "kk"},
			{"ss", "Teeth together", "ss"},
		},
		reduce: map[string]string{
			"ae": "aa", "ah": "aa", "ao": "ow", "aw": "aa", "ay": "aa",
			"er": "eh", "ih": "iy", "oy": "ow", "uh": "uw",
			"th": "dd", "nn": "dd", "ll": "dd", "rr": "uw", "ww": "uw",
			"yy": "iy", "hh": "aa", "ch": "ss", "zh": "ss", "ng": "kk",
		},
	},
	{
		name:      LibraryIPA,
		languages: []string{"en", "de", "fr", "es"},
		visemes: []presetViseme{
			{"sil", "Silence", "sil"},
			{"aa", "ɑ", "aa"},
			{"ae", "æ", "ae"},
			{"ah", "ʌ ə", "ah"},
			{"ao", "ɔ", "ao"},
			{"eh", "ɛ e", "eh"},
			{"er", "ɝ ɚ", "er"},
			{"ih", "ɪ", "ih"},
			{"iy", "i", "iy"},
			{"uh", "ʊ", "uh"},
			{"uw", "u", "uw"},
			{"ow", "o", "ow"},
			{"pp", "p b m", "pp"},
			{"ff", "f v", "ff"},
			{"th", "θ ð", "th"},
			{"dd", "t d", "dd"},
			{"kk", "k g", "kk"},
			{"ch", "ʃ ʒ tʃ dʒ", "ch"},
			{"ss", "s z", "ss"},
			{"nn", "n ŋ", "nn"},
			{"rr", "ɹ", "rr"},
			{"ll", "l", "ll"},
		},
		reduce: map[string]string{
			"aw": "aa", "ay": "aa", "oy": "ao", "ww": "uw", "yy": "iy",
			"hh": "ah", "zh": "ch", "ng": "nn",
		},
		// In IPA "i" is the close front vowel and "j" the palatal glide.
		overrides: map[string]string{"i": "iy", "j": "iy"},
	},
	{
		name:      LibraryOculus,
		languages: []string{"en"},
		visemes: []presetViseme{
			{"sil", "Silence", "sil"},
			{"PP", "p b m", "pp"},
			{"FF", "f v", "ff"},
			{"TH", "th", "th"},
			{"DD", "t d", "dd"},
			{"kk", "k g", "kk"},
			{"CH", "ch j sh", "ch"},
			{"SS", "s z", "ss"},
			{"nn", "n l", "nn"},
			{"RR", "r", "rr"},
			{"aa", "a", "aa"},
			{"E", "e", "eh"},
			{"ih", "i", "ih"},
			{"oh", "o", "ow"},
			{"ou", "u", "uw"},
		},
		reduce: map[string]string{
			"pp": "PP", "ff": "FF", "th": "TH", "dd": "DD", "ch": "CH",
			"ss": "SS", "rr": "RR", "eh": "E", "ow": "oh", "uw": "ou",
			"ae": "aa", "ah": "aa", "ao": "oh", "aw": "aa", "ay": "aa",
			"er": "RR", "iy": "ih", "uh": "ou", "oy": "oh", "ll": "nn",
			"ww": "ou", "yy": "ih", "hh": "aa", "zh": "CH", "ng": "kk",
		},
		metadata: map[string]string{"convention": "oculus-15"},
	},
}

// BuiltinLibraries returns fresh copies of the preset libraries.
func BuiltinLibraries() []*Library {
	out := make([]*Library, 0, len(presets))
	for _, p := range presets {
		out = append(out, p.build())
	}
	return out
}

// BuiltinLibrary returns a fresh copy of one preset.
func BuiltinLibrary(name string) (*Library, bool) {
	for _, p := range presets {
		if p.name == name {
			return p.build(), true
		}
	}
	return nil, false
}

// IsVowelPhoneme reports whether a phoneme spelling (ARPAbet, IPA or letter)
// names a vowel.
func IsVowelPhoneme(symbol string) bool {
	for _, key := range []string{symbol, strings.ToLower(symbol), strings.ToUpper(symbol)} {
		if proto, ok := symbols[key]; ok {
			return vowelPrototypes[proto]
		}
	}
	return false
}

// IsSilencePhoneme reports whether a phoneme spelling names a pause.
func IsSilencePhoneme(symbol string) bool {
	return symbols[symbol] == "sil" || symbols[strings.ToLower(symbol)] == "sil"
}

var (
	silenceTransition = Transition{EaseIn: 80 * time.Millisecond, EaseOut: 80 * time.Millisecond, Curve: CurveLinear}
	vowelTransition   = Transition{EaseIn: 60 * time.Millisecond, Hold: 20 * time.Millisecond, EaseOut: 80 * time.Millisecond, Curve: CurveEaseInOut}
	consTransition    = Transition{EaseIn: 30 * time.Millisecond, EaseOut: 50 * time.Millisecond, Curve: CurveEaseOut}
)

func (p preset) build() *Library {
	ids := make(map[string]string, len(p.visemes))
	for _, v := range p.visemes {
		ids[v.prototype] = v.id
	}
	resolve := func(proto string) string {
		if id, ok := p.reduce[proto]; ok {
			return id
		}
		return ids[proto]
	}

	phonemeMap := make(map[string]string, len(symbols))
	for sym, proto := range symbols {
		if id := resolve(proto); id != "" {
			phonemeMap[sym] = id
		}
	}
	for sym, proto := range p.overrides {
		if id := resolve(proto); id != "" {
			phonemeMap[sym] = id
		}
	}

	byViseme := make(map[string][]string)
	for sym, id := range phonemeMap {
		if sym == "" || sym == " " {
			continue
		}
		byViseme[id] = append(byViseme[id], sym)
	}

	lib := &Library{
		Name:              p.name,
		Version:           "1.0.0",
		Languages:         append([]string(nil), p.languages...),
		PhonemeMap:        phonemeMap,
		DefaultTransition: Transition{EaseIn: 40 * time.Millisecond, EaseOut: 60 * time.Millisecond, Curve: CurveEaseInOut},
		Metadata:          map[string]string{"builtin": "true", "neutral": SilenceID},
	}
	for k, v := range p.metadata {
		lib.Metadata[k] = v
	}

	for _, v := range p.visemes {
		phonemes := lo.Uniq(byViseme[v.id])
		sort.Strings(phonemes)

		tr := consTransition
		switch {
		case v.prototype == "sil":
			tr = silenceTransition
		case vowelPrototypes[v.prototype]:
			tr = vowelTransition
		}

		lib.Visemes = append(lib.Visemes, Viseme{
			ID:         v.id,
			Name:       v.name,
			Phonemes:   phonemes,
			Shape:      ShapeFromValues(prototypes[v.prototype]),
			Transition: tr,
		})
	}
	return lib
}
