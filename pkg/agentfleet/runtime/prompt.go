package runtime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/executor"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// PromptContext carries the chain facts the system prompt mentions.
type PromptContext struct {
	NativeSymbol       string
	TokenSymbols       []string
	AccountingCurrency string
}

var categorySkills = map[string]string{
	"trading": "You watch prices and portfolio positions for your owner. " +
		"Check the balance before suggesting trades and explain the risk of every transfer you propose.",
	"payments": "You handle recurring and one-off payments for your owner. " +
		"Confirm recipient and amount back to the user before sending, and schedule recurring payments as tasks.",
	"social": "You tip and reward community members on behalf of your owner. " +
		"Keep tips small and never send funds to an address the user did not give you.",
	"assistant": "You are a general-purpose assistant. " +
		"Only move funds when the user explicitly asks for it.",
}

// Categories lists the template categories with skill instructions.
func Categories() []string {
	return []string{"trading", "payments", "social", "assistant"}
}

// BuildSystemPrompt composes the persona prompt, the wallet block and the
// skill instructions of the agent's template category.
func BuildSystemPrompt(agent *store.Agent, pc PromptContext) string {
	var b strings.Builder

	persona := strings.TrimSpace(agent.SystemPrompt)
	if persona == "" {
		persona = fmt.Sprintf("You are %s, an autonomous agent.", agent.Name)
	}
	b.WriteString(persona)
	b.WriteString("\n\n## Wallet\n")

	if agent.HasWallet() {
		fmt.Fprintf(&b, "Your wallet address is %s.\n", agent.WalletAddress)
		b.WriteString("To send funds, write one of these command tags in your reply, exactly as shown:\n")
		fmt.Fprintf(&b, "- [[%s|<recipient address>|<amount>]] sends %s\n", executor.ActionSendNative, pc.NativeSymbol)
		fmt.Fprintf(&b, "- [[%s|<symbol>|<recipient address>|<amount>]] sends a token\n", executor.ActionSendToken)
		supported := append([]string{pc.NativeSymbol}, pc.TokenSymbols...)
		fmt.Fprintf(&b, "Supported currencies: %s.\n", strings.Join(supported, ", "))
		fmt.Fprintf(&b, "Remaining spending allowance: %s %s (limit %s %s).\n",
			amount(agent.RemainingAllowance()), pc.AccountingCurrency,
			amount(agent.SpendingLimit), pc.AccountingCurrency)
		b.WriteString("Addresses are 0x followed by 40 hex characters. Amounts are plain decimal numbers. " +
			"Every tag is executed once and replaced with a receipt, so only write a tag when the user asked for that transfer.\n")
	} else {
		b.WriteString("Your wallet is not initialized yet. You cannot send or receive funds; " +
			"if the user asks for a transfer, explain that the wallet must be set up first.\n")
	}

	b.WriteString("\n## Skills\n")
	skills, ok := categorySkills[agent.Category]
	if !ok {
		skills = categorySkills["assistant"]
	}
	b.WriteString(skills)
	b.WriteString("\nYou can also use these commands:\n")
	fmt.Fprintf(&b, "- [[%s]] shows your current balances\n", executor.ActionCheckBalance)
	fmt.Fprintf(&b, "- [[%s|<minute hour day month weekday>|<label>|<instruction>]] schedules a recurring task\n", executor.ActionScheduleTask)
	fmt.Fprintf(&b, "- [[%s|<task id>]] cancels a scheduled task\n", executor.ActionCancelTask)

	return b.String()
}

func amount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
