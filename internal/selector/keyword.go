package selector

import (
	"context"
	"strings"

	"github.com/minhharry/voiceassistant/internal/action"
)

// keywordSelector returns the first action, in catalog order, whose keyword
// occurs in the command. It never calls out.
type keywordSelector struct {
	set      action.Set
	keywords []string
}

func newKeyword(set action.Set) *keywordSelector {
	k := &keywordSelector{}
	k.load(set)
	return k
}

func (k *keywordSelector) load(set action.Set) {
	k.set = set.Clone()
	k.keywords = make([]string, len(set))
	for i, a := range set {
		k.keywords[i] = normalize(a.Keyword)
	}
}

func (k *keywordSelector) GenerateAction(_ context.Context, text string) (action.Result, error) {
	if a, ok := k.match(normalize(text)); ok {
		return action.Matched(a), nil
	}
	return action.Unknown(), nil
}

func (k *keywordSelector) match(text string) (action.Action, bool) {
	for i, kw := range k.keywords {
		if kw != "" && strings.Contains(text, kw) {
			return k.set[i], true
		}
	}
	return action.Action{}, false
}

func (k *keywordSelector) UpdateActions(set action.Set) error {
	if err := set.Validate(); err != nil {
		return err
	}
	k.load(set)
	return nil
}
