package keyword

import (
	"math"
	"regexp"
	"strings"
)

// SubstringBonus is added when the whole query occurs inside the chunk.
const SubstringBonus = 0.5

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)

type TokenSet map[string]struct{}

// Tokenize returns the distinct lowercase words of text.
func Tokenize(text string) TokenSet {
	words := tokenPattern.FindAllString(strings.ToLower(text), -1)

	set := make(TokenSet, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}

	return set
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

type query struct {
	tokens TokenSet
	phrase string
}

func newQuery(text string) query {
	return query{
		tokens: Tokenize(text),
		phrase: normalize(text),
	}
}

// score is the Ochiai coefficient of the two word sets plus the substring
// bonus. The coefficient is normalised by both set sizes.
func (q query) score(tokens TokenSet, text string) float64 {
	if len(q.tokens) == 0 || len(tokens) == 0 {
		return 0
	}

	small, large := q.tokens, tokens
	if len(small) > len(large) {
		small, large = large, small
	}

	var overlap int
	for t := range small {
		if _, ok := large[t]; ok {
			overlap++
		}
	}

	if overlap == 0 {
		return 0
	}

	s := float64(overlap) / math.Sqrt(float64(len(q.tokens))*float64(len(tokens)))

	if strings.Contains(normalize(text), q.phrase) {
		s += SubstringBonus
	}

	return s
}

// Score ranks text against a query; zero means no shared word.
func Score(queryText, text string) float64 {
	return newQuery(queryText).score(Tokenize(text), text)
}
