package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testProjects = map[string]string{
	"blog":    "/home/dev/blog",
	"website": "/home/dev/website",
}

func TestParseApprovalKeywords(t *testing.T) {
	tests := []struct {
		input string
		want  CommandType
	}{
		{"yes", CommandApprove},
		{"Yes.", CommandApprove},
		{"  approve  ", CommandApprove},
		{"go ahead", CommandApprove},
		{"okay", CommandApprove},
		{"no", CommandDeny},
		{"No!", CommandDeny},
		{"reject", CommandDeny},
		{"deny", CommandDeny},
		// Bare stop is a denial; stopping a task needs a task keyword
		{"stop", CommandDeny},
		{"cancel", CommandDeny},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input, nil).Type)
		})
	}
}

func TestParseApprovalKeywordsAreExactMatch(t *testing.T) {
	// Prompts that merely contain a confirmation word stay prompts
	cmd := Parse("add yes and no options to the form", nil)
	assert.Equal(t, CommandPrompt, cmd.Type)
	assert.Equal(t, "add yes and no options to the form", cmd.Text)

	assert.Equal(t, CommandPrompt, Parse("okay so first refactor the parser", nil).Type)
}

func TestParseStickyApprovals(t *testing.T) {
	assert.Equal(t, CommandStickyApprove, Parse("always approve", nil).Type)
	assert.Equal(t, CommandStickyApprove, Parse("Always allow that", nil).Type)
	assert.Equal(t, CommandClearApprovals, Parse("clear sticky", nil).Type)
	assert.Equal(t, CommandClearApprovals, Parse("please clear approvals", nil).Type)
	assert.Equal(t, CommandListApprovals, Parse("list approvals", nil).Type)
}

func TestParseControlKeywords(t *testing.T) {
	tests := []struct {
		input string
		want  CommandType
	}{
		{"status", CommandStatus},
		{"what's happening", CommandStatus},
		{"new session", CommandReset},
		{"start over please", CommandReset},
		{"continue", CommandContinue},
		{"resume", CommandContinue},
		{"stop task", CommandCancel},
		{"abort", CommandCancel},
		{"escape", CommandCancel},
		{"stop it", CommandCancel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.input, nil).Type)
		})
	}
}

func TestParseSwitchProject(t *testing.T) {
	cmd := Parse("work on blog", testProjects)
	assert.Equal(t, CommandSwitchProject, cmd.Type)
	assert.Equal(t, "blog", cmd.Project)

	cmd = Parse("switch to the website", testProjects)
	assert.Equal(t, CommandSwitchProject, cmd.Type)
	assert.Equal(t, "website", cmd.Project)

	cmd = Parse("on blog", testProjects)
	assert.Equal(t, CommandSwitchProject, cmd.Type)
	assert.Equal(t, "blog", cmd.Project)
}

func TestParseSwitchProjectPartialMatch(t *testing.T) {
	// Transcription mangles names; partial matches in either direction
	// still resolve
	cmd := Parse("work on my blog project", testProjects)
	assert.Equal(t, CommandSwitchProject, cmd.Type)
	assert.Equal(t, "blog", cmd.Project)

	cmd = Parse("switch to web", testProjects)
	assert.Equal(t, CommandSwitchProject, cmd.Type)
	assert.Equal(t, "website", cmd.Project)
}

func TestParseSwitchProjectUnknown(t *testing.T) {
	cmd := Parse("work on something else entirely", testProjects)
	assert.Equal(t, CommandPrompt, cmd.Type)
}

func TestParseInlineProjectPrompt(t *testing.T) {
	cmd := Parse("on blog: Fix the RSS feed", testProjects)
	assert.Equal(t, CommandProjectPrompt, cmd.Type)
	assert.Equal(t, "blog", cmd.Project)
	assert.Equal(t, "Fix the RSS feed", cmd.Text)

	// Colon but no suffix is just a switch
	cmd = Parse("on blog:", testProjects)
	assert.Equal(t, CommandSwitchProject, cmd.Type)
	assert.Equal(t, "blog", cmd.Project)
}

func TestParseProjectCommandsWithoutProjects(t *testing.T) {
	// Without a project map the forms fall through to prompts
	assert.Equal(t, CommandPrompt, Parse("work on blog", nil).Type)
	assert.Equal(t, CommandPrompt, Parse("on blog: fix the feed", nil).Type)
}

func TestParseSkillShorthand(t *testing.T) {
	cmd := Parse("skill review", nil)
	assert.Equal(t, CommandPrompt, cmd.Type)
	assert.Equal(t, "/review", cmd.Text)

	// Bare "skill" with no name is a normal prompt
	assert.Equal(t, "skill", Parse("skill", nil).Text)
}

func TestParseDefaultsToPrompt(t *testing.T) {
	cmd := Parse("refactor the storage layer to use transactions", testProjects)
	assert.Equal(t, CommandPrompt, cmd.Type)
	assert.Equal(t, "refactor the storage layer to use transactions", cmd.Text)
}

func TestParseIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, CommandStatus, Parse("STATUS", nil).Type)
	assert.Equal(t, CommandReset, Parse("New Session", nil).Type)
	assert.Equal(t, CommandApprove, Parse("YES", nil).Type)
}
