// Package chattemplate reframes the source project's deep chat-template
// class hierarchy (Qwen<-Qwen2.5<-QwQ<-...) as data plus a small set of
// composable rendering functions (spec §9). Specializations live in an
// ordered registry of (matcher, factory) pairs resolved first-match-wins,
// with no global mutable state — the registry is assembled at program
// start (spec §9 "module-scoped registry" re-architecture note).
//
// The core itself never calls into this package: it only ever sees
// already-rendered token ids (spec §1 scope). ChatTemplate exists so a CLI
// front end or test harness can render a prologue/epilogue the way a real
// deployment would before handing tokens to AddMessage.
package chattemplate

import "strings"

// ChatTemplate is a single flat record of the pieces a real chat front end
// composes around a turn, replacing per-model subclassing with data.
type ChatTemplate struct {
	Name              string
	System            string
	UserPrefix        string
	UserSuffix        string
	AssistantPrefix   string
	AssistantSuffix   string
	ToolPrologue      string // injected before tool-call turns, if any
	ThinkingEpilogue  string // appended after assistant turns that support a thinking tag
	StopWords         []string
}

// RenderTurn composes one user turn plus the assistant continuation prefix,
// matching the rendering shape lmdeploy's per-model classes each
// hand-implemented.
func (t ChatTemplate) RenderTurn(userMessage string, withTools bool) string {
	var b strings.Builder
	if t.System != "" {
		b.WriteString(t.System)
	}
	if withTools && t.ToolPrologue != "" {
		b.WriteString(t.ToolPrologue)
	}
	b.WriteString(t.UserPrefix)
	b.WriteString(userMessage)
	b.WriteString(t.UserSuffix)
	b.WriteString(t.AssistantPrefix)
	return b.String()
}

// CloseAssistantTurn appends the assistant suffix and, if present, the
// thinking-tag epilogue.
func (t ChatTemplate) CloseAssistantTurn(generated string) string {
	var b strings.Builder
	b.WriteString(generated)
	b.WriteString(t.AssistantSuffix)
	b.WriteString(t.ThinkingEpilogue)
	return b.String()
}

// Matcher decides whether a template applies to a given model path.
type Matcher func(modelPath string) bool

// Factory builds the ChatTemplate for a matched model path.
type Factory func(modelPath string) ChatTemplate

type entry struct {
	match   Matcher
	factory Factory
}

// Registry is an ordered list of (matcher, factory) pairs; Resolve walks it
// first-match-wins. No package-level mutable registry is exposed — callers
// build their own list at program start, per spec §9.
type Registry struct {
	entries []entry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Register appends a (matcher, factory) pair. Order is significant: the
// first matching entry wins.
func (r *Registry) Register(match Matcher, factory Factory) {
	r.entries = append(r.entries, entry{match: match, factory: factory})
}

// Resolve returns the first matching template for modelPath, or the zero
// ChatTemplate and false if nothing matches.
func (r *Registry) Resolve(modelPath string) (ChatTemplate, bool) {
	for _, e := range r.entries {
		if e.match(modelPath) {
			return e.factory(modelPath), true
		}
	}
	return ChatTemplate{}, false
}

// ByModelSubstring returns a Matcher that checks whether substr appears in
// the model path, ignoring case, matching the source project's
// substring-keyed registry lookup (spec §9).
func ByModelSubstring(substr string) Matcher {
	lower := strings.ToLower(substr)
	return func(modelPath string) bool { return strings.Contains(strings.ToLower(modelPath), lower) }
}

// Default builds a registry (used by this package's tests; the CLI does not
// call it) holding a small set of illustrative templates recovered from
// original_source/lmdeploy/model.py's per-model defaults, expressed as data
// instead of subclasses.
func Default() *Registry {
	r := NewRegistry()
	r.Register(ByModelSubstring("qwen"), func(modelPath string) ChatTemplate {
		return ChatTemplate{
			Name:            "qwen",
			System:          "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n",
			UserPrefix:      "<|im_start|>user\n",
			UserSuffix:      "<|im_end|>\n",
			AssistantPrefix: "<|im_start|>assistant\n",
			AssistantSuffix: "<|im_end|>\n",
			StopWords:       []string{"<|im_end|>"},
		}
	})
	r.Register(ByModelSubstring("llama-3"), func(modelPath string) ChatTemplate {
		return ChatTemplate{
			Name:            "llama3",
			UserPrefix:      "<|start_header_id|>user<|end_header_id|>\n\n",
			UserSuffix:      "<|eot_id|>",
			AssistantPrefix: "<|start_header_id|>assistant<|end_header_id|>\n\n",
			AssistantSuffix: "<|eot_id|>",
			StopWords:       []string{"<|eot_id|>"},
		}
	})
	r.Register(func(string) bool { return true }, func(modelPath string) ChatTemplate {
		return ChatTemplate{Name: "base", UserPrefix: "", AssistantPrefix: ""}
	})
	return r
}
