package interview

import "strings"

// Question is one prompt the interviewer works through for a chapter.
type Question struct {
	ID     string
	Prompt string
}

// DefaultQuestions is the life-story question sequence used when no
// per-chapter list is supplied.
var DefaultQuestions = []Question{
	{ID: "earliest-memory", Prompt: "What is your earliest memory?"},
	{ID: "childhood-home", Prompt: "Describe the home you grew up in."},
	{ID: "family", Prompt: "Tell me about your parents and siblings."},
	{ID: "school-days", Prompt: "What were your school days like?"},
	{ID: "first-job", Prompt: "What was your first job?"},
	{ID: "turning-point", Prompt: "Was there a moment that changed the direction of your life?"},
	{ID: "proudest-moment", Prompt: "What achievement are you proudest of?"},
	{ID: "advice", Prompt: "What advice would you give your younger self?"},
}

// topicTransitionPhrases feeds a placeholder heuristic: a substring match on
// phrases the interviewer tends to use when wrapping up a topic. Fragile by
// nature; it mistakes a user quoting these words for a transition and misses
// any paraphrase. TODO: replace with an explicit next-question control frame
// once the speech service can emit one.
var topicTransitionPhrases = []string{
	"let's move on",
	"moving on",
	"next question",
	"let's talk about something else",
	"shifting gears",
}

// looksLikeTopicTransition reports whether the AI's spoken text signals it is
// done with the current question.
func looksLikeTopicTransition(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range topicTransitionPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
