package llm

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultTitle is used when the model's answer has no title line.
const DefaultTitle = "Una Nueva Aventura"

// StoryTemperature is the sampling temperature for story generation.
const StoryTemperature = 0.8

// storyPromptSpanish asks for a long children's story in a fixed
// Título/Contenido template. %s is the user's idea.
const storyPromptSpanish = `Escribe un cuento infantil largo, mágico y detallado basado en esta idea: "%s".
El cuento debe ser cautivador, apropiado para niños y tener una estructura narrativa completa (inicio, nudo y desenlace).
Extiéndete todo lo que sea necesario para que la historia sea profunda y emocionante.
Formatea tu respuesta exactamente así:
Título: [Título del cuento]
Contenido: [Cuento completo]`

// StoryPrompt renders the story prompt for the user's idea.
func StoryPrompt(idea string) string {
	idea = strings.ReplaceAll(strings.TrimSpace(idea), `"`, `'`)
	return fmt.Sprintf(storyPromptSpanish, idea)
}

var (
	titleRe   = regexp.MustCompile(`(?i)(?:título|titulo|title)[ \t]*:\**[ \t]*(.*)`)
	contentRe = regexp.MustCompile(`(?is)(?:contenido|content)\s*:\**\s*(.*)`)
	labelsRe  = regexp.MustCompile(`(?i)(?:título|titulo|title)\s*:.*|(?:contenido|content)\s*:`)
)

// ParseStory splits a model answer into title and content. Without a title
// line the title is DefaultTitle; without a content label the whole answer,
// minus any labels, is the content.
func ParseStory(raw string) (title, content string) {
	title = DefaultTitle
	if m := titleRe.FindStringSubmatch(raw); m != nil {
		if t := cleanTitle(m[1]); t != "" {
			title = t
		}
	}

	if m := contentRe.FindStringSubmatch(raw); m != nil {
		content = strings.TrimSpace(m[1])
	} else {
		content = strings.TrimSpace(labelsRe.ReplaceAllString(raw, ""))
	}
	return title, content
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*#[]\"' ")
	return strings.TrimSpace(s)
}
