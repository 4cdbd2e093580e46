package reasoning

import "strings"

// negations flip a claim's polarity and are removed from the claim key, so
// "the deploy is safe" and "the deploy is not safe" share one key with
// opposite polarity.
var negations = map[string]bool{
	"not":     true,
	"no":      true,
	"never":   true,
	"isn't":   true,
	"aren't":  true,
	"wasn't":  true,
	"won't":   true,
	"don't":   true,
	"doesn't": true,
	"didn't":  true,
	"cannot":  true,
	"can't":   true,
}

// stopwords are dropped from claim keys so minor phrasing differences still
// land on the same claim.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "for": true,
	"and": true, "or": true, "but": true,
	"this": true, "that": true, "it": true,
	"very": true, "really": true, "just": true,
}

// ClaimKey normalizes a statement into a stable claim key and a polarity.
// Polarity is +1 for an affirmative claim and -1 when an odd number of
// negations appear. An empty key means the text carried no claim content.
func ClaimKey(statement string) (string, int) {
	polarity := 1
	var words []string

	for _, w := range strings.Fields(strings.ToLower(statement)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w == "" {
			continue
		}
		if negations[w] {
			polarity = -polarity
			continue
		}
		if stopwords[w] {
			continue
		}
		words = append(words, w)
	}

	return strings.Join(words, " "), polarity
}
