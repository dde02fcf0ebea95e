package tenant

import (
	"fmt"
	"strings"
)

// PersonaName is the assistant's name in every prompt.
const PersonaName = "Skylta"

const notProvided = "inte angivet ännu"

// ProfileNudge is appended when the tenant's core profile is incomplete.
const ProfileNudge = "Profilen är ofullständig: Kundens verksamhetsbeskrivning eller bransch saknas. " +
	"Föreslå tidigt i samtalet, vänligt och kort, att kunden fyller i sin företagsprofil " +
	"så att du kan ge bättre och mer träffsäkra förslag."

const behaviorPreamble = `Ditt uppdrag och beteende:
- Du heter ` + PersonaName + ` och är en röstassistent som hjälper kunden att skapa och planera innehåll för sina skärmar.
- Tala alltid svenska, även om kunden byter språk, om de inte uttryckligen ber dig byta.
- Svara kort och naturligt, som i ett riktigt samtal. Ställ en fråga i taget och låt kunden tala till punkt.
- Säg aldrig "digital signage", "DOOH" eller tekniska produktnamn. Säg i stället "dina skärmar", "ditt innehåll" eller "ett inlägg".
- Nämn aldrig att du är en AI-modell eller vilken leverantör som driver dig. Du är ` + PersonaName + `.
- Innan du använder ett verktyg som skapar eller ändrar innehåll ska du först diskutera idén med kunden och få ett tydligt ja.`

// Render produces the system prompt for c. The output depends only on c.
func Render(c Context) string {
	var b strings.Builder

	name := orPlaceholder(c.DisplayName)
	fmt.Fprintf(&b, "Du är %s, en personlig röstassistent för %s.\n\n", PersonaName, name)

	b.WriteString("Företagsprofil:\n")
	fmt.Fprintf(&b, "- Namn: %s\n", name)
	fmt.Fprintf(&b, "- Bransch: %s\n", joinOrPlaceholder(c.BusinessTypes, ", "))
	fmt.Fprintf(&b, "- Beskrivning: %s\n", orPlaceholder(c.BusinessDescription))
	fmt.Fprintf(&b, "- Webbplats: %s\n", orPlaceholder(c.Website))
	fmt.Fprintf(&b, "- Tonalitet (exempel): %s\n", quotedOrPlaceholder(c.ToneOfVoice))
	fmt.Fprintf(&b, "- Stilsammanfattning: %s\n", orPlaceholder(c.StyleSummary))

	b.WriteString("\nKundens senaste inlägg (nyast först):\n")
	if len(c.RecentPosts) == 0 {
		fmt.Fprintf(&b, "- (%s)\n", notProvided)
	}
	for _, p := range c.RecentPosts {
		b.WriteString("- ")
		b.WriteString(orPlaceholder(p.Headline))
		if p.Body != "" {
			fmt.Fprintf(&b, ": %s", truncate(p.Body, 140))
		}
		var meta []string
		if p.Screen != "" {
			meta = append(meta, "skärm "+p.Screen)
		}
		if !p.StartDate.IsZero() {
			meta = append(meta, "start "+p.StartDate.Format("2006-01-02"))
		}
		if len(meta) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(meta, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nSenaste media i bildbanken:\n")
	if len(c.RecentMedia) == 0 {
		fmt.Fprintf(&b, "- (%s)\n", notProvided)
	}
	for _, m := range c.RecentMedia {
		b.WriteString("- ")
		b.WriteString(orPlaceholder(m.Name))
		if m.Kind != "" {
			fmt.Fprintf(&b, " [%s]", m.Kind)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nEgna sidor: %s\n", joinOrPlaceholder(c.Pages, ", "))
	fmt.Fprintf(&b, "Taggar: %s\n", joinOrPlaceholder(c.Tags, ", "))
	fmt.Fprintf(&b, "Sparade mallar: %s\n", joinOrPlaceholder(c.Templates, ", "))

	b.WriteString("\n")
	b.WriteString(behaviorPreamble)
	b.WriteString("\n")

	if needsProfileNudge(c) {
		b.WriteString("\n")
		b.WriteString(ProfileNudge)
		b.WriteString("\n")
	}

	return b.String()
}

// FallbackPrompt is used when the tenant record cannot be loaded.
func FallbackPrompt() string {
	return "Du är " + PersonaName + ", en vänlig och hjälpsam röstassistent. " +
		"Du har just nu ingen information om kundens företag, så fråga gärna vad verksamheten gör " +
		"innan du ger förslag på innehåll.\n\n" + behaviorPreamble + "\n"
}

func needsProfileNudge(c Context) bool {
	return c.BusinessDescription == "" || len(c.BusinessTypes) == 0
}

func orPlaceholder(s string) string {
	if s == "" {
		return notProvided
	}
	return s
}

func joinOrPlaceholder(items []string, sep string) string {
	var kept []string
	for _, s := range items {
		if s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return notProvided
	}
	return strings.Join(kept, sep)
}

func quotedOrPlaceholder(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, s := range items {
		if s != "" {
			quoted = append(quoted, fmt.Sprintf("%q", s))
		}
	}
	if len(quoted) == 0 {
		return notProvided
	}
	return strings.Join(quoted, "; ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
