package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/canopy/pkg/graph"
	"github.com/aretw0/canopy/pkg/schema"
)

// confidenceThreshold gates the draft-answer loop: below it the assistant
// rewrites the answer, above it the run suspends for human approval.
const confidenceThreshold = 0.75

// maxRewrites bounds the self-correction loop independently of the step
// budget.
const maxRewrites = 2

// buildAssistantGraph compiles the built-in research assistant flow: a
// classifier routes simple questions straight to generation, research
// questions fan out to three retrievers whose results are reranked and
// assembled into a context; the generated draft loops through rewrites until
// its confidence clears the threshold, then suspends for human approval.
// All nodes are deterministic stubs so the flow can be exercised without
// external services.
func buildAssistantGraph() (*graph.Graph, error) {
	sch := schema.Schema{
		"question":   schema.Overwrite(),
		"route":      schema.Overwrite(),
		"documents":  schema.Append(),
		"memories":   schema.Append(),
		"profile":    schema.Overwrite(),
		"reranked":   schema.Overwrite(),
		"context":    schema.Overwrite(),
		"answer":     schema.Overwrite(),
		"confidence": schema.Overwrite(),
		"attempts":   schema.Reduce("sum", sumNumbers),
		"approved":   schema.Overwrite(),
		"errors":     schema.Append(),
	}

	retrievers := []string{"retrieve_docs", "retrieve_memories", "retrieve_profile"}

	return graph.New("assistant", sch).
		AddNode("classify", classify, graph.Reads("question"), graph.Writes("route")).
		AddNode("retrieve_docs", retrieveDocs, graph.Reads("question"), graph.Writes("documents")).
		AddNode("retrieve_memories", retrieveMemories, graph.Reads("question"), graph.Writes("memories")).
		AddNode("retrieve_profile", retrieveProfile, graph.Writes("profile")).
		AddNode("rerank", rerank, graph.Reads("question", "documents"), graph.Writes("reranked")).
		AddNode("assemble", assemble, graph.Reads("question", "reranked", "memories", "profile"), graph.Writes("context")).
		AddNode("generate", generate, graph.Reads("question", "context", "attempts"), graph.Writes("answer", "confidence", "attempts")).
		AddNode("approve", approve, graph.Reads("approved"), graph.Writes("approved")).
		AddNode("finalize", finalize, graph.Reads("answer", "confidence"), graph.Writes("answer")).
		Entry("classify").
		Route("classify", routeByKind,
			graph.Goto("generate"),
			graph.FanOut(retrievers...),
		).
		JoinEdge(retrievers, "rerank").
		AddEdge("rerank", "assemble").
		AddEdge("assemble", "generate").
		Route("generate", gradeDraft,
			graph.Goto("assemble"),
			graph.Await("approve"),
		).
		Route("approve", routeApproval,
			graph.Goto("finalize"),
			graph.Goto("assemble"),
		).
		AddEdge("finalize", graph.End).
		Compile()
}

// classify picks the retrieval route: short imperative inputs skip research.
func classify(_ context.Context, view schema.View) (schema.Delta, error) {
	question := view.GetString("question")
	if question == "" {
		return nil, fmt.Errorf("empty question")
	}
	route := "research"
	if len(strings.Fields(question)) < 4 {
		route = "direct"
	}
	return schema.Delta{"route": route}, nil
}

func routeByKind(view schema.View) graph.Decision {
	if view.GetString("route") == "direct" {
		return graph.Goto("generate")
	}
	return graph.FanOut("retrieve_docs", "retrieve_memories", "retrieve_profile")
}

// stubCorpus stands in for a document index.
var stubCorpus = []string{
	"Checkpoints record state, position and status after every step.",
	"Merge strategies resolve concurrent writes field by field.",
	"Interrupted runs wait for external input before the pending node.",
	"Step budgets stop cyclic flows from running away.",
}

func retrieveDocs(_ context.Context, view schema.View) (schema.Delta, error) {
	question := strings.ToLower(view.GetString("question"))
	var hits []any
	for _, doc := range stubCorpus {
		for _, word := range strings.Fields(strings.ToLower(doc)) {
			if len(word) > 4 && strings.Contains(question, word) {
				hits = append(hits, doc)
				break
			}
		}
	}
	if len(hits) == 0 {
		hits = []any{stubCorpus[0]}
	}
	return schema.Delta{"documents": hits}, nil
}

func retrieveMemories(_ context.Context, view schema.View) (schema.Delta, error) {
	return schema.Delta{"memories": []any{
		"user previously asked about " + firstWord(view.GetString("question")),
	}}, nil
}

func retrieveProfile(_ context.Context, _ schema.View) (schema.Delta, error) {
	return schema.Delta{"profile": map[string]any{
		"tone":      "concise",
		"expertise": "engineer",
	}}, nil
}

// rerank orders documents by naive term overlap with the question.
func rerank(_ context.Context, view schema.View) (schema.Delta, error) {
	var docs []string
	if err := view.Decode("documents", &docs); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(view.GetString("question")))
	score := func(doc string) int {
		lower := strings.ToLower(doc)
		n := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				n++
			}
		}
		return n
	}
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && score(docs[j]) > score(docs[j-1]); j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
	return schema.Delta{"reranked": docs}, nil
}

func assemble(_ context.Context, view schema.View) (schema.Delta, error) {
	var docs []string
	if err := view.Decode("reranked", &docs); err != nil {
		docs = nil
	}
	var parts []string
	if len(docs) > 0 {
		parts = append(parts, "Sources: "+strings.Join(docs, " "))
	}
	if n := view.Len("memories"); n > 0 {
		parts = append(parts, fmt.Sprintf("Known history: %d memories.", n))
	}
	if profile, ok := view.Get("profile"); ok {
		parts = append(parts, fmt.Sprintf("Audience: %v.", profile))
	}
	return schema.Delta{"context": strings.Join(parts, "\n")}, nil
}

// generate drafts an answer. Confidence rises with each attempt so the
// rewrite loop converges.
func generate(_ context.Context, view schema.View) (schema.Delta, error) {
	attempts := asFloat(view, "attempts")
	confidence := 0.5 + 0.3*attempts
	if confidence > 1 {
		confidence = 1
	}
	answer := fmt.Sprintf("Draft %d: %s", int(attempts)+1, synthesize(view))
	return schema.Delta{
		"answer":     answer,
		"confidence": confidence,
		"attempts":   1,
	}, nil
}

func synthesize(view schema.View) string {
	question := view.GetString("question")
	if ctx := view.GetString("context"); ctx != "" {
		return fmt.Sprintf("based on %d context lines, answering %q", strings.Count(ctx, "\n")+1, question)
	}
	return fmt.Sprintf("answering %q from prior knowledge", question)
}

func gradeDraft(view schema.View) graph.Decision {
	confidence := asFloat(view, "confidence")
	attempts := asFloat(view, "attempts")
	if confidence < confidenceThreshold && attempts < maxRewrites {
		return graph.Goto("assemble")
	}
	return graph.Await("approve")
}

// approve normalizes the reviewer's verdict merged in on resume.
func approve(_ context.Context, view schema.View) (schema.Delta, error) {
	verdict, _ := view.Get("approved")
	ok, _ := verdict.(bool)
	return schema.Delta{"approved": ok}, nil
}

func routeApproval(view schema.View) graph.Decision {
	if verdict, _ := view.Get("approved"); verdict == true {
		return graph.Goto("finalize")
	}
	return graph.Goto("assemble")
}

func finalize(_ context.Context, view schema.View) (schema.Delta, error) {
	answer := strings.TrimPrefix(view.GetString("answer"), "Draft ")
	if i := strings.Index(answer, ": "); i >= 0 {
		answer = answer[i+2:]
	}
	return schema.Delta{
		"answer": fmt.Sprintf("%s (confidence %.2f, approved)", answer, asFloat(view, "confidence")),
	}, nil
}

func firstWord(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return strings.ToLower(strings.Trim(fields[0], "?.,!"))
	}
	return "nothing"
}

// asFloat reads a numeric field that may arrive as int (in-process) or
// float64 (after a JSON round-trip).
func asFloat(view schema.View, field string) float64 {
	switch v, _ := view.Get(field); n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// sumNumbers is the reducer for the attempts counter.
func sumNumbers(old, next any) (any, error) {
	toFloat := func(v any) (float64, error) {
		switch n := v.(type) {
		case nil:
			return 0, nil
		case int:
			return float64(n), nil
		case float64:
			return n, nil
		default:
			return 0, fmt.Errorf("sum: unsupported type %T", v)
		}
	}
	a, err := toFloat(old)
	if err != nil {
		return nil, err
	}
	b, err := toFloat(next)
	if err != nil {
		return nil, err
	}
	return a + b, nil
}
