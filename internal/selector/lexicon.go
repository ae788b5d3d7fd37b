package selector

import (
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"
)

// Lexicon is the data behind few-shot paraphrases: politeness particles put
// around a keyword, and commands that must classify as unknown.
type Lexicon struct {
	Prefixes  []string `yaml:"prefixes"`
	Postfixes []string `yaml:"postfixes"`
	Negatives []string `yaml:"negatives"`
}

func DefaultLexicon() Lexicon {
	return Lexicon{
		Prefixes:  []string{"", "hãy ", "làm ơn ", "vui lòng "},
		Postfixes: []string{"", " đi", " ngay", " giúp", " giúp tôi", " đê"},
		Negatives: []string{"bạn khoẻ không?", "hôm nay thời tiết thế nào?"},
	}
}

func LoadLexicon(path string) (Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lexicon{}, err
	}
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return Lexicon{}, fmt.Errorf("parse lexicon: %w", err)
	}
	if len(lex.Negatives) == 0 {
		return Lexicon{}, fmt.Errorf("lexicon needs at least one negative example")
	}
	return lex, nil
}

func (l Lexicon) empty() bool {
	return len(l.Prefixes) == 0 && len(l.Postfixes) == 0 && len(l.Negatives) == 0
}

// Paraphrase wraps keyword in a random prefix and postfix.
func (l Lexicon) Paraphrase(rng *rand.Rand, keyword string) string {
	return pick(rng, l.Prefixes) + keyword + pick(rng, l.Postfixes)
}

func pick(rng *rand.Rand, options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[rng.Intn(len(options))]
}
