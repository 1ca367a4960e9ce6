package prompt

// Template names.
const (
	ReviewTemplate    = "review.md"
	ContentTemplate   = "content.md"
	ExecutiveTemplate = "executive.md"
)

var builtinTemplates = map[string]string{
	ReviewTemplate:    reviewTemplate,
	ContentTemplate:   contentTemplate,
	ExecutiveTemplate: executiveTemplate,
}

const reviewTemplate = `# {{decision_type}} request: {{title}}

You are **{{actor}}**, responsible for the **{{domain}}** domain.
Work item {{work_item_id}} is in the **{{stage}}** stage (iteration {{iteration}}).

{{#if artifact_name}}
## Artifact: {{artifact_name}}
{{artifact_content}}
{{/if}}

{{#if prior_feedback}}
## Changes requested in earlier iterations
{{prior_feedback}}

Check whether each of these was addressed.
{{/if}}

## Instructions
Judge the work strictly from the point of view of your domain. Decide one of:
- "approved": nothing blocks this stage from your side.
- "approved_with_risks": acceptable, but list every risk you are accepting.
- "changes_required": list each concrete change that must be made.
- "rejected": the work should not continue at all. Explain why in notes.

Reply with a single JSON object and nothing else:

{"outcome": "...", "notes": "...", "required_changes": ["..."], "risks": ["..."]}
`

const contentTemplate = `# Write the {{artifact}} for: {{title}}

Stage: {{stage}} (iteration {{iteration}})

{{#if description}}
## Work item
{{description}}
{{/if}}

{{#if previous}}
## Previous version
{{previous}}
{{/if}}

{{#if feedback}}
## Reviewer feedback to address
{{feedback}}
{{/if}}

{{#if accepted_risks}}
## Risks already accepted
{{accepted_risks}}
{{/if}}

Write the complete {{artifact}} document in Markdown. Output only the document.
`

const executiveTemplate = `# Escalation {{escalation_id}}: {{title}}

Work item {{work_item_id}} is stuck in the **{{stage}}** stage.
Reason: {{reason}}
{{description}}

Iteration {{iteration}} of {{max_iterations}}.

{{#if decisions}}
## Decisions on record
{{decisions}}
{{/if}}

## Instructions
You are the executive with final authority. Decide one of:
- "approved": waive the outstanding reviews and approvals and let the stage proceed.
- "approved_with_risks": proceed, listing every risk the organization accepts.
- "rejected": stop the work item. It will be cancelled.

If the work should be redone before proceeding, approve and list the
required actions; the stage will restart with a fresh iteration budget.

Reply with a single JSON object and nothing else:

{"outcome": "...", "notes": "...", "accepted_risks": ["..."], "required_actions": ["..."]}
`
