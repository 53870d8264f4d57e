package engine

import (
	"fmt"

	"orion/internal/domain"
)

const defaultPersona = "You are an AI agent."

func (e *Engine) persona(agentType string) string {
	if p, ok := e.Config.Personas[agentType]; ok && p != "" {
		return p
	}
	return defaultPersona
}

// BuildPrompt renders the instruction sent to the provider for one task.
func BuildPrompt(persona string, p domain.Project, t domain.Task) string {
	projectContext := p.Description
	if projectContext == "" {
		projectContext = "No additional context"
	}
	details := t.Description
	if details == "" {
		details = "Complete this task based on the project context."
	}
	return fmt.Sprintf(`%s

PROJECT: %s
PROJECT CONTEXT: %s

YOUR TASK: %s
TASK DETAILS: %s

Execute this task. Be specific, practical, and reference the actual project. Provide a detailed work output in 200-400 words. Format with clear sections.`,
		persona, p.Name, projectContext, t.Title, details)
}
