package selector

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/minhharry/voiceassistant/internal/action"
)

const unknownLabel = "unknown"

// BuildInstructions renders the classification instructions, the action
// list and the few-shot block for set. The example wording depends on rng.
func BuildInstructions(set action.Set, lex Lexicon, rng *rand.Rand) string {
	var b strings.Builder
	b.WriteString("You are an AI model tasked with classifying user's command into one of the following actions:\n")
	for _, a := range set {
		fmt.Fprintf(&b, "- %q: %s\n", a.Name, a.Description)
	}
	fmt.Fprintf(&b, "- %q: If the user's command does not match any of the defined actions.\n", unknownLabel)
	b.WriteString("\nClassification Rules:\n")
	b.WriteString("1. If the user's command clearly refers to an action, return the appropriate action.\n")
	b.WriteString("2. If user's command refers to any other device or topic, return only \"unknown\". Do not attempt to generalize.\n")
	b.WriteString("3. You must not guess or infer new actions beyond the listed above.\n")
	b.WriteString("4. Return only one of the predefined keywords without explanation.\n")
	b.WriteString("\nUser's command input and desired output examples:\n")
	b.WriteString("User's command -> Desired output:\n")
	b.WriteString(BuildExamples(set, lex, rng))
	return b.String()
}

// BuildExamples emits one paraphrased example per action per round, each
// round closed by a negative example. There is one round per negative.
func BuildExamples(set action.Set, lex Lexicon, rng *rand.Rand) string {
	rounds := max(len(lex.Negatives), 1)
	var b strings.Builder
	for r := 0; r < rounds; r++ {
		for _, a := range set {
			fmt.Fprintf(&b, "%q -> %q\n", lex.Paraphrase(rng, a.Keyword), a.Name)
		}
		if r < len(lex.Negatives) {
			fmt.Fprintf(&b, "%q -> %q\n", lex.Negatives[r], unknownLabel)
		}
	}
	return b.String()
}

// UserCommand is the per-call part of a classification prompt.
func UserCommand(text string) string {
	return fmt.Sprintf("User's command: %q\nDesired output: ", normalize(text))
}

// BuildVotePrompt renders the fixed part of a yes/no question for one action.
func BuildVotePrompt(a action.Action, lex Lexicon, rng *rand.Rand) string {
	var b strings.Builder
	b.WriteString("You are an AI model that decides whether a user's command asks for one specific action.\n")
	fmt.Fprintf(&b, "Action %q: %s\n", a.Name, a.Description)
	fmt.Fprintf(&b, "Commands that ask for this action look like: %q, %q\n",
		lex.Paraphrase(rng, a.Keyword), lex.Paraphrase(rng, a.Keyword))
	b.WriteString("If the command refers to any other action, device or topic, the answer is \"no\".\n")
	b.WriteString("Answer only \"yes\" or \"no\" without explanation.\n\n")
	return b.String()
}

func voteQuestion(prefix, text string) string {
	return prefix + fmt.Sprintf("User's command: %q\nAnswer: ", normalize(text))
}

// matchName returns the first action of set whose name occurs in reply.
func matchName(set action.Set, reply string) (action.Action, bool) {
	reply = strings.ToLower(reply)
	for _, a := range set {
		if strings.Contains(reply, strings.ToLower(a.Name)) {
			return a, true
		}
	}
	return action.Action{}, false
}

func isYes(reply string) bool {
	return strings.Contains(strings.ToLower(reply), "yes")
}
