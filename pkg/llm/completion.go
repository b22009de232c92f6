package llm

// Completion is what the shadow harness needs from any text-completion
// result: its text, an optional token count and the answering model.
type Completion interface {
	Text() string
	Tokens() (int, bool)
	Model() string
}

// Result is a plain Completion for callers that do not have a provider type.
type Result struct {
	Content     string
	TotalTokens *int
	ModelName   string
}

func (r Result) Text() string { return r.Content }

func (r Result) Tokens() (int, bool) {
	if r.TotalTokens == nil {
		return 0, false
	}
	return *r.TotalTokens, true
}

func (r Result) Model() string { return r.ModelName }

// Snapshot copies the interesting parts of c so they can be used after the
// caller has taken ownership of the original value.
func Snapshot(c Completion) Result {
	out := Result{Content: c.Text(), ModelName: c.Model()}
	if n, ok := c.Tokens(); ok {
		out.TotalTokens = &n
	}
	return out
}
