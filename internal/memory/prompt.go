package memory

import "strings"

// defaultPersona is used when SOUL.md is missing or empty so the system
// prompt is never blank.
const defaultPersona = `You are Talon, a personal AI assistant. You are direct,
concise, and act on the user's behalf across their messaging channels. When
you do not know something about the user, ask rather than assume.`

const bootstrapPreamble = `This is your first run with this user. Introduce
yourself, then interview the user to learn who they are and how they want you
to behave. As you learn facts, write them back: update USER.md with facts
about the user and IDENTITY.md with the identity they give you. When both
files are filled in, delete BOOTSTRAP.md.`

// promptSections maps workspace files to their system prompt headings, in
// render order.
var promptSections = []struct {
	file    string
	heading string
}{
	{FileUser, "## About the User"},
	{FileIdentity, "## Identity"},
	{FileMemory, "## Long-Term Memory"},
}

// BuildSystemPrompt assembles the system prompt from a workspace snapshot.
// Callers must pass a fresh snapshot each turn; the result is never cached.
func BuildSystemPrompt(snap Snapshot) string {
	var b strings.Builder

	if soul := snap.Files[FileSoul]; soul.usable() {
		b.WriteString(strings.TrimSpace(soul.Content))
	} else {
		b.WriteString(defaultPersona)
	}

	// A present bootstrap file switches the prompt into first-run mode.
	if boot := snap.Files[FileBootstrap]; boot.Status != StatusMissing {
		b.WriteString("\n\n## First Run\n\n")
		b.WriteString(bootstrapPreamble)
		if boot.usable() {
			b.WriteString("\n\n")
			b.WriteString(strings.TrimSpace(boot.Content))
		}
	}

	for _, sec := range promptSections {
		f := snap.Files[sec.file]
		if !f.usable() {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(sec.heading)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(f.Content))
	}

	return b.String()
}
