package analysis

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/sessionscope/internal/store"
	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

const promptsChunkPrompt = `# Prompt pattern analysis (chunk %d/%d)

Below is part of the list of prompts a user sent to an AI coding assistant.
Analyze these prompts and identify patterns.

## What to analyze
1. Request type classification (writing code, fixing bugs, refactoring, explanations, documentation, ...)
2. Count per request type
3. Frequent keywords and phrases
4. Strength and weakness patterns
5. Anything notable

## Output format
- Compact JSON only
- Example: {"types": {"write_code": 10, "fix_bug": 5}, "keywords": ["refactor", "test"], "strengths": ["clear requests"], "weaknesses": ["missing context"], "notes": "..."}

## Prompts
`

const promptsFinalPrompt = `# Prompt pattern analysis: final report

Below are the results of analyzing %d prompts split into %d chunks.
Combine them into one final report.

## Results per chunk
%s

## Final report sections

### 1. Request patterns
- Classify the prompts by type with percentages
- Identify frequently used keywords and phrases

### 2. Context provision
- How background information is provided
- How clear the requirements are

### 3. Strengths
- Effective prompting habits
- Structures that are easy for an AI to follow

### 4. Weaknesses
- Vague or ambiguous request patterns
- Recurring inefficient patterns

### 5. Improvement suggestions
- Concrete, actionable improvements
- Include before/after examples

### 6. Statistics
- Total prompts: %d
- Top 3 most frequent request types

## Output format
- Markdown
- Use headings for each section
`

const promptsSinglePrompt = `# Prompt pattern analysis

Below are %d prompts a user sent to an AI coding assistant in project %s.
Analyze them and write a report with these sections:

### 1. Request patterns
- Classify the prompts by type with percentages
- Identify frequently used keywords and phrases

### 2. Context provision
- How background information is provided
- How clear the requirements are

### 3. Strengths
- Effective prompting habits
- Structures that are easy for an AI to follow

### 4. Weaknesses
- Vague or ambiguous request patterns
- Recurring inefficient patterns

### 5. Improvement suggestions
- Concrete, actionable improvements
- Include before/after examples

### 6. Statistics
- Total prompts: %d
- Top 3 most frequent request types

Write the report in markdown, using headings for each section.

---
## Prompts

`

const workChunkPrompt = `# Work analysis (chunk %d/%d)

Below is part of the coding session logs for %s.
Projects: %s

Analyze these sessions and output JSON covering:
1. Tasks completed
2. Unfinished work and TODOs
3. Key topics

## Output format
- Compact JSON only
- Example: {"tasks": ["implement feature A", "fix bug B"], "todos": ["write tests"], "keywords": ["refactoring", "API"]}

## Session data
`

const workFinalPrompt = `# Work analysis: summary

Summarize the work done during %s.
Projects: %s
Total sessions: %d

## Results per chunk
%s

## Final report

Combine the chunk results above into a report with these sections:

### Work done
Group the work by project.
- Features implemented
- Bugs fixed
- Refactoring
- Other work

### Next tasks
Unfinished or follow-up work found in the sessions.
- TODOs mentioned explicitly
- Unfinished tasks
- Areas needing improvement
- Recommended follow-ups

### Summary
- Main achievements in brief
- Overall progress assessment

## Output format
- Markdown
- Use headings for each section
`

const workSinglePrompt = `# Work analysis

Below are the coding session logs for %s.
Projects: %s
Total sessions: %d

Analyze these sessions and write a report with these sections:

## Work done
Group the work by project.
- Features implemented
- Bugs fixed
- Refactoring
- Other work

## Next tasks
Unfinished or follow-up work found in the sessions.
- TODOs mentioned explicitly
- Unfinished tasks
- Areas needing improvement
- Recommended follow-ups

## Summary
- Main achievements in brief
- Overall progress assessment

---
## Session data

`

// Separator joins record contents inside one prompt.
func Separator(kind store.Kind) string {
	if kind == store.KindWork {
		return "\n\n---\n\n"
	}
	return "\n---\n"
}

// chunkPrompt renders the partial analysis request for chunk i of n.
func chunkPrompt(kind store.Kind, c *transcript.Corpus, i, n int, body string) string {
	if kind == store.KindWork {
		return fmt.Sprintf(workChunkPrompt, i, n, c.DateRange, projectList(c)) + body
	}
	return fmt.Sprintf(promptsChunkPrompt, i, n) + body
}

// finalPrompt folds the partial results, labeled by chunk index, into the
// synthesis request.
func finalPrompt(kind store.Kind, c *transcript.Corpus, partials []string) string {
	sections := make([]string, len(partials))
	for i, p := range partials {
		sections[i] = fmt.Sprintf("### Chunk %d\n%s", i+1, p)
	}
	joined := strings.Join(sections, "\n\n")
	if kind == store.KindWork {
		return fmt.Sprintf(workFinalPrompt, c.DateRange, projectList(c), len(c.Sessions), joined)
	}
	return fmt.Sprintf(promptsFinalPrompt, len(c.Records), len(partials), joined, len(c.Records))
}

// singlePrompt asks for the narrative report directly.
func singlePrompt(kind store.Kind, c *transcript.Corpus, body string) string {
	if kind == store.KindWork {
		return fmt.Sprintf(workSinglePrompt, c.DateRange, projectList(c), len(c.Sessions)) + body
	}
	return fmt.Sprintf(promptsSinglePrompt, len(c.Records), c.ProjectName, len(c.Records)) + body
}

func projectList(c *transcript.Corpus) string {
	if len(c.ProjectNames) == 0 {
		return c.ProjectName
	}
	return strings.Join(c.ProjectNames, ", ")
}
