package arabic

// The muqatta'at (disjoined letters) that open 29 surahs are written as one
// glyph run ("الم") but recited as letter names ("alif lam mim"), which is
// exactly what speech engines transcribe. The default table maps every
// spoken spelling of every opening back onto its written form.

// letterNameVariants lists the normalized spoken spellings of each letter
// that appears in a muqatta'at opening. Names ending in a long vowel are
// commonly transcribed both with and without the final hamza.
var letterNameVariants = map[rune][]string{
	'ا': {"الف"},
	'ل': {"لام"},
	'م': {"ميم"},
	'ر': {"را", "راء"},
	'ص': {"صاد"},
	'ك': {"كاف"},
	'ه': {"ها", "هاء"},
	'ي': {"يا", "ياء"},
	'ع': {"عين"},
	'ط': {"طا", "طاء"},
	'س': {"سين"},
	'ح': {"حا", "حاء"},
	'ق': {"قاف"},
	'ن': {"نون"},
}

// letterGroups are the fourteen distinct openings in canonical written form.
var letterGroups = []string{
	"الم",
	"المص",
	"الر",
	"المر",
	"كهيعص",
	"طه",
	"طسم",
	"طس",
	"يس",
	"ص",
	"حم",
	"عسق",
	"ق",
	"ن",
}

// DefaultLetterNames builds the default {spoken phrase: canonical form}
// expansion table: the cartesian product of the spoken spelling variants for
// every letter of every opening. Single-letter openings (ص, ق, ن) yield
// single-word phrases; all other phrases span at least two words, so
// ordinary words are never rewritten.
func DefaultLetterNames() map[string]string {
	table := make(map[string]string)
	for _, group := range letterGroups {
		phrases := []string{""}
		for _, letter := range group {
			variants := letterNameVariants[letter]
			next := make([]string, 0, len(phrases)*len(variants))
			for _, p := range phrases {
				for _, v := range variants {
					if p == "" {
						next = append(next, v)
					} else {
						next = append(next, p+" "+v)
					}
				}
			}
			phrases = next
		}
		for _, p := range phrases {
			table[p] = group
		}
	}
	return table
}
