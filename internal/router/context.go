package router

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jojopeligroso/mycastle-host/internal/memory"
	"github.com/jojopeligroso/mycastle-host/internal/session"
)

// fallbackPrompts cover each school-office role when the role server does not
// expose a system prompt of its own.
var fallbackPrompts = map[string]string{
	"student":          "You are a helpful assistant for a language school student. Answer questions about courses, schedules, and school life.",
	"finance":          "You are an assistant for the school finance office. Help with invoices, payments, and account balances.",
	"academic":         "You are an assistant for the academic office. Help with courses, enrolment, grades, and teacher assignments.",
	"attendance":       "You are an assistant for the attendance office. Help with attendance records, absences, and related reports.",
	"operations":       "You are an assistant for school operations. Help with rooms, scheduling, and facilities.",
	"student_services": "You are an assistant for student services. Help with accommodation, visas, and student welfare.",
}

const defaultPrompt = "You are a helpful assistant. Use the available tools to answer the user's question."

// systemPrompt builds the system turn: the server-provided prompt when one is
// published, else a per-role fallback, followed by the resource catalogue and
// recent user memory. Everything beyond the fallback is best effort.
func (r *Router) systemPrompt(ctx context.Context, sess *session.Session) string {
	var b strings.Builder
	b.WriteString(r.rolePrompt(ctx, sess.Role))

	if resources, err := r.conns.ListResources(ctx, sess.Role); err != nil {
		log.Printf("router: list resources for role %s: %v", sess.Role, err)
	} else if len(resources) > 0 {
		b.WriteString("\n\nAvailable resources:")
		for _, res := range resources {
			fmt.Fprintf(&b, "\n- %s (%s)", res.URI, res.Name)
		}
	}

	if r.store != nil {
		notes, err := r.store.Recent(ctx, sess.UserID, r.memoryLimit)
		if err != nil {
			log.Printf("router: recall memory for user %s: %v", sess.UserID, err)
		} else if len(notes) > 0 {
			b.WriteString("\n\nRelevant context from earlier conversations:")
			for _, note := range notes {
				fmt.Fprintf(&b, "\n- [%s] %s", note.Role, note.Content)
			}
		}
	}

	return b.String()
}

func (r *Router) rolePrompt(ctx context.Context, role string) string {
	if prompt := r.serverPrompt(ctx, role); prompt != "" {
		return prompt
	}
	if prompt, ok := fallbackPrompts[role]; ok {
		return prompt
	}
	return defaultPrompt
}

// serverPrompt fetches the role server's own system prompt when it publishes
// one under the conventional names.
func (r *Router) serverPrompt(ctx context.Context, role string) string {
	prompts, err := r.conns.ListPrompts(ctx, role)
	if err != nil {
		log.Printf("router: list prompts for role %s: %v", role, err)
		return ""
	}

	name := ""
	for _, p := range prompts {
		if p.Name == "system" || p.Name == role+"_system" {
			name = p.Name
			break
		}
	}
	if name == "" {
		return ""
	}

	result, err := r.conns.GetPrompt(ctx, role, name, nil)
	if err != nil {
		log.Printf("router: get prompt %q for role %s: %v", name, role, err)
		return ""
	}

	var parts []string
	for _, msg := range result.Messages {
		if msg.Content.Type == "text" && msg.Content.Text != "" {
			parts = append(parts, msg.Content.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// saveNote persists a turn to long-term memory. Failures are logged, never
// surfaced: memory is an enrichment, not part of the turn contract.
func (r *Router) saveNote(ctx context.Context, sess *session.Session, role, content string) {
	if r.store == nil || content == "" {
		return
	}
	err := r.store.Save(ctx, memory.Note{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		log.Printf("router: save memory note for user %s: %v", sess.UserID, err)
	}
}
