// Package router classifies transcribed chat input into commands.
//
// Classification is keyword-set based, case-insensitive and total: input
// that matches no keyword set is a prompt for the agent. The classifier
// holds no state and never fails.
package router

import "strings"

// CommandType is the classification of one chat input
type CommandType int

const (
	CommandPrompt CommandType = iota
	CommandApprove
	CommandDeny
	CommandStickyApprove
	CommandClearApprovals
	CommandListApprovals
	CommandStatus
	CommandReset
	CommandContinue
	CommandCancel
	CommandSwitchProject
	CommandProjectPrompt
)

var commandTypeNames = map[CommandType]string{
	CommandPrompt:         "prompt",
	CommandApprove:        "approve",
	CommandDeny:           "deny",
	CommandStickyApprove:  "sticky_approve",
	CommandClearApprovals: "clear_approvals",
	CommandListApprovals:  "list_approvals",
	CommandStatus:         "status",
	CommandReset:          "reset",
	CommandContinue:       "continue",
	CommandCancel:         "cancel",
	CommandSwitchProject:  "switch_project",
	CommandProjectPrompt:  "project_prompt",
}

func (t CommandType) String() string {
	if name, ok := commandTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParsedCommand is the result of classifying one input
type ParsedCommand struct {
	Type    CommandType
	Text    string // original text, or the prompt suffix for CommandProjectPrompt
	Project string // target project for CommandSwitchProject / CommandProjectPrompt
}

// Keyword sets for command detection (lowercase). Approve and deny are
// matched exactly; the rest match as substrings of the trimmed input.
var (
	approveKeywords = set("yes", "approve", "approved", "allow", "ok", "okay", "go ahead", "yep")
	denyKeywords    = set("no", "reject", "rejected", "stop", "deny", "denied", "cancel", "nope")

	stickyApproveKeywords  = set("always approve", "sticky yes", "remember yes", "always yes", "always allow")
	clearApprovalsKeywords = set("clear sticky", "clear approvals", "forget approvals")
	listApprovalsKeywords  = set("list approvals", "show approvals", "approvals", "what's approved", "whats approved")

	statusKeywords   = set("status", "what's happening", "progress")
	resetKeywords    = set("new session", "fresh session", "start over", "reset")
	continueKeywords = set("continue", "resume", "pick up where we left off")
	cancelKeywords   = set("escape", "abort", "interrupt", "stop task", "cancel task", "stop it")
)

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Parse classifies one chat input. projects maps project names to their
// directories and enables the "work on X" / "switch to X" / "on X: Y" forms.
func Parse(text string, projects map[string]string) ParsedCommand {
	lower := strings.TrimRight(strings.ToLower(strings.TrimSpace(text)), ".,!?")

	// Exact matches first: single-word confirmations must not trigger on
	// prompts that merely contain them
	if approveKeywords[lower] {
		return ParsedCommand{Type: CommandApprove, Text: text}
	}
	if denyKeywords[lower] {
		return ParsedCommand{Type: CommandDeny, Text: text}
	}

	if containsAny(lower, statusKeywords) {
		return ParsedCommand{Type: CommandStatus, Text: text}
	}
	if containsAny(lower, resetKeywords) {
		return ParsedCommand{Type: CommandReset, Text: text}
	}
	if containsAny(lower, continueKeywords) {
		return ParsedCommand{Type: CommandContinue, Text: text}
	}
	if containsAny(lower, stickyApproveKeywords) {
		return ParsedCommand{Type: CommandStickyApprove, Text: text}
	}
	if containsAny(lower, clearApprovalsKeywords) {
		return ParsedCommand{Type: CommandClearApprovals, Text: text}
	}
	if containsAny(lower, listApprovalsKeywords) {
		return ParsedCommand{Type: CommandListApprovals, Text: text}
	}
	if containsAny(lower, cancelKeywords) {
		return ParsedCommand{Type: CommandCancel, Text: text}
	}

	if cmd, ok := parseProjectCommand(text, lower, projects); ok {
		return cmd
	}

	// "skill X" invokes a slash command
	if rest, ok := strings.CutPrefix(lower, "skill "); ok {
		if name := strings.TrimSpace(rest); name != "" {
			return ParsedCommand{Type: CommandPrompt, Text: "/" + name}
		}
	}

	return ParsedCommand{Type: CommandPrompt, Text: text}
}

// containsAny reports whether any keyword occurs in the input
func containsAny(lower string, keywords map[string]bool) bool {
	for keyword := range keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// parseProjectCommand detects project switches, including the inline
// "on PROJECT: prompt" form that switches and runs a prompt in one turn
func parseProjectCommand(text, lower string, projects map[string]string) (ParsedCommand, bool) {
	if len(projects) == 0 {
		return ParsedCommand{}, false
	}

	// "on PROJECT: prompt"
	if strings.HasPrefix(lower, "on ") && strings.Contains(lower, ":") {
		head, _, _ := strings.Cut(lower, ":")
		projectPart := strings.TrimSpace(head[len("on "):])
		if name, ok := resolveProject(projectPart, projects); ok {
			// Take the suffix from the original text so the prompt keeps
			// its casing
			_, tail, _ := strings.Cut(text, ":")
			suffix := strings.TrimSpace(tail)
			if suffix != "" {
				return ParsedCommand{Type: CommandProjectPrompt, Text: suffix, Project: name}, true
			}
			return ParsedCommand{Type: CommandSwitchProject, Text: text, Project: name}, true
		}
	}

	for _, prefix := range []string{"work on ", "switch to ", "on "} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		projectName := strings.TrimRight(strings.TrimSpace(lower[len(prefix):]), ":")
		if name, ok := resolveProject(projectName, projects); ok {
			return ParsedCommand{Type: CommandSwitchProject, Text: text, Project: name}, true
		}
	}

	return ParsedCommand{}, false
}

// resolveProject matches a spoken project name against configured projects,
// tolerating partial matches in either direction (transcription is fuzzy)
func resolveProject(spoken string, projects map[string]string) (string, bool) {
	if spoken == "" {
		return "", false
	}
	if _, ok := projects[spoken]; ok {
		return spoken, true
	}
	for name := range projects {
		if strings.Contains(spoken, name) || strings.Contains(name, spoken) {
			return name, true
		}
	}
	return "", false
}
