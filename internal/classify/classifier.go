package classify

import (
	"math"
	"strings"
)

// Task types
const (
	TaskCoding       = "coding"
	TaskWriting      = "writing"
	TaskAnalytical   = "analysis"
	TaskTranslation  = "translation"
	TaskMath         = "math"
	TaskGeneral      = "general"
	TaskDevops       = "devops"
	TaskArchitecture = "architecture"
	TaskResearch     = "research"
)

// Complexity bands
const (
	ComplexitySimple   = "simple"
	ComplexityModerate = "moderate"
	ComplexityComplex  = "complex"
	ComplexityExpert   = "expert"
)

const responseBufferTokens = 500

// TaskAnalysis is the derived view of one prompt. It is recomputed per
// request and never persisted.
type TaskAnalysis struct {
	TaskType           string
	Complexity         string
	ComplexityLevel    int // 1..10, feeds tier banding during scoring
	EstimatedTokens    int
	RequiresReasoning  bool
	RequiresCode       bool
	RequiresCreativity bool
}

// keyword vocabularies per category, matched against the lowercased prompt
var taskKeywords = map[string][]string{
	TaskCoding: {
		"code", "function", "bug", "debug", "implement", "refactor",
		"compile", "api", "endpoint", "unit test", "regex", "script",
		"golang", "python", "javascript", "typescript", "sql",
	},
	TaskWriting: {
		"write", "essay", "blog", "article", "story", "poem", "email",
		"rewrite", "summarize", "draft", "headline", "copy",
	},
	TaskAnalytical: {
		"analyze", "analyse", "compare", "evaluate", "assess", "pros and cons",
		"trade-off", "tradeoff", "review", "critique", "metrics",
	},
	TaskTranslation: {
		"translate", "translation", "in french", "in spanish", "in german",
		"in japanese", "in chinese", "from english",
	},
	TaskMath: {
		"calculate", "solve", "equation", "integral", "derivative",
		"probability", "theorem", "proof", "matrix",
	},
	TaskDevops: {
		"dockerfile", "kubernetes", "k8s", "terraform", "ci/cd", "pipeline",
		"deploy", "helm", "nginx", "systemd",
	},
	TaskArchitecture: {
		"architecture", "system design", "microservice", "scalability",
		"high availability", "design a system", "schema design",
	},
	TaskResearch: {
		"research", "literature", "survey", "state of the art",
		"cite", "sources", "bibliography",
	},
}

// matching order when several categories hit: more specific first
var taskPriority = []string{
	TaskTranslation, TaskDevops, TaskArchitecture, TaskMath,
	TaskCoding, TaskResearch, TaskAnalytical, TaskWriting,
}

var reasoningMarkers = []string{
	"step by step", "explain why", "reason", "first", "then", "finally",
	"walk me through", "prove",
}

var creativityMarkers = []string{
	"story", "poem", "creative", "imagine", "brainstorm", "invent", "fiction",
}

// Classifier infers task type, complexity, and a token estimate from
// raw prompt text. It is a pure function of its input: identical
// prompts always produce identical analyses.
type Classifier struct{}

// New returns a Classifier. It holds no state; the constructor exists
// so callers depend on a value rather than package-level functions.
func New() *Classifier {
	return &Classifier{}
}

// Analyze derives a TaskAnalysis from prompt text. An unrecognized
// prompt falls back to "general"/"moderate" rather than failing.
func (c *Classifier) Analyze(prompt string) TaskAnalysis {
	lower := strings.ToLower(prompt)
	words := len(strings.Fields(prompt))

	taskType := TaskGeneral
	for _, t := range taskPriority {
		if containsAny(lower, taskKeywords[t]) {
			taskType = t
			break
		}
	}

	hasCodeFence := strings.Contains(prompt, "```")
	if hasCodeFence && taskType == TaskGeneral {
		taskType = TaskCoding
	}

	level := complexityLevel(lower, words, hasCodeFence)

	return TaskAnalysis{
		TaskType:           taskType,
		Complexity:         complexityBand(level),
		ComplexityLevel:    level,
		EstimatedTokens:    int(math.Round(float64(words)*1.3)) + responseBufferTokens,
		RequiresReasoning:  containsAny(lower, reasoningMarkers),
		RequiresCode:       hasCodeFence || taskType == TaskCoding,
		RequiresCreativity: containsAny(lower, creativityMarkers),
	}
}

func complexityLevel(lower string, words int, hasCodeFence bool) int {
	level := 3
	switch {
	case words > 400:
		level = 7
	case words > 150:
		level = 5
	case words > 50:
		level = 4
	case words < 10:
		level = 2
	}
	if hasCodeFence {
		level += 2
	}
	// multi-step connectives indicate a compound ask
	steps := 0
	for _, m := range []string{"first", "then", "finally", "after that", "next,"} {
		if strings.Contains(lower, m) {
			steps++
		}
	}
	if steps >= 2 {
		level += 2
	} else if steps == 1 {
		level++
	}
	if strings.Count(lower, "?") >= 3 {
		level++
	}
	if level > 10 {
		level = 10
	}
	if level < 1 {
		level = 1
	}
	return level
}

func complexityBand(level int) string {
	switch {
	case level >= 8:
		return ComplexityExpert
	case level >= 6:
		return ComplexityComplex
	case level >= 4:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
