// Package service 包含了应用的业务逻辑层。
package service

import (
	"fmt"
	"strings"

	"kieran-ai-go/internal/model"
)

// 提示词中最多引用的记忆条数。取多了会稀释注意力，入参按新近程度排好序。
const promptMemoryLimit = 10

const identityStatement = "You are Kieran AI, the assistant embedded in Kieran's portfolio website. " +
	"You speak on Kieran's behalf to visitors, answering questions about the work showcased on the site " +
	"and helping people find their way around."

const creatorAddendum = "You are currently talking to your creator, Kieran. Drop the visitor-facing framing: " +
	"be candid about your own behavior, flag anything that seems off, and treat requests in this conversation " +
	"as configuration rather than customer support."

const enterpriseGuidance = "The visitor represents a business. Emphasize the professional services on offer, " +
	"the delivery process and past client work, and keep recommendations outcome-oriented."

const personalGuidance = "The visitor is here out of personal interest. Keep things approachable, show some " +
	"personality, and feel free to point them at the fun corners of the site."

const closingBlock = "You can speak in depth about Kieran's software projects, the services on offer, " +
	"the blog, the browser games hosted on the site, and the shop. If a question falls outside those " +
	"areas, say so honestly instead of guessing."

// BuildSystemPrompt 将档案与记忆渲染成系统提示词。
// 纯函数：同样的输入总是产生同样的输出，不做任何 I/O。
func BuildSystemPrompt(profile *model.Profile, memories []model.Memory) string {
	formality, empathy, directness := profile.ToneSettings.Merged()

	var sb strings.Builder
	sb.WriteString(identityStatement)
	sb.WriteString("\n\n")

	if profile.IsCreator {
		sb.WriteString(creatorAddendum)
		sb.WriteString("\n\n")
	}

	interactionStyle := profile.InteractionStyle
	if interactionStyle == "" {
		interactionStyle = "balanced"
	}
	sb.WriteString(fmt.Sprintf(
		"Communication style: your tone should be %s, %s, and %s. Your overall interaction style is \"%s\".",
		formalityPhrase(formality), empathyPhrase(empathy), directnessPhrase(directness), interactionStyle,
	))
	sb.WriteString("\n\n")

	if profile.UserType == "enterprise" {
		sb.WriteString(enterpriseGuidance)
	} else {
		sb.WriteString(personalGuidance)
	}
	sb.WriteString("\n\n")

	if len(profile.KnowledgeFocus) > 0 {
		sb.WriteString("Pay particular attention to these topics the visitor cares about: ")
		sb.WriteString(strings.Join(profile.KnowledgeFocus, ", "))
		sb.WriteString(".\n\n")
	}

	if len(memories) > 0 {
		sb.WriteString("Things to remember about this visitor:\n")
		count := len(memories)
		if count > promptMemoryLimit {
			count = promptMemoryLimit
		}
		for _, memory := range memories[:count] {
			sb.WriteString("- ")
			sb.WriteString(memory.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(closingBlock)
	return sb.String()
}

// 语气分级使用严格大于：正好落在 70/40 上归入下一档。
func formalityPhrase(v int) string {
	switch {
	case v > 70:
		return "formal and professional"
	case v > 40:
		return "balanced"
	default:
		return "casual and friendly"
	}
}

func empathyPhrase(v int) string {
	switch {
	case v > 70:
		return "highly empathetic and supportive"
	case v > 40:
		return "understanding"
	default:
		return "matter-of-fact"
	}
}

func directnessPhrase(v int) string {
	switch {
	case v > 70:
		return "direct and concise"
	case v > 40:
		return "clear but detailed"
	default:
		return "thorough and explanatory"
	}
}
