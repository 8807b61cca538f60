package service

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReferenceContent is one completed reference file's parsed text, injected
// into generation prompts as grounding material.
type ReferenceContent struct {
	Filename string
	Content  string
}

const outlineSchemaHint = `You can organize the content in two ways:

1. Simple format (for short decks without major sections):
[{"title": "title1", "points": ["point1", "point2"]}]

2. Part-based format (for longer decks with major sections):
[{"part": "Part 1: Introduction", "pages": [{"title": "Welcome", "points": ["point1", "point2"]}]}]

Choose the format that best fits the content. Use parts when the deck has clear major sections.`

func formatReferenceFiles(refs []ReferenceContent) string {
	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<uploaded_files>\n")
	for _, ref := range refs {
		fmt.Fprintf(&b, "  <file name=%q>\n    <content>\n%s\n    </content>\n  </file>\n", ref.Filename, ref.Content)
	}
	b.WriteString("</uploaded_files>\n\n")
	return b.String()
}

func outlineGenerationPrompt(ideaPrompt string, refs []ReferenceContent) string {
	return fmt.Sprintf(`%sYou are a helpful assistant that generates an outline for a slide deck.

%s

The user's request: %s. Now generate the outline as JSON, don't include any other text.`,
		formatReferenceFiles(refs), outlineSchemaHint, ideaPrompt)
}

func outlineParsingPrompt(outlineText string, refs []ReferenceContent) string {
	return fmt.Sprintf(`%sYou are a helpful assistant that parses a user-provided slide outline text into a structured format.

The user has provided the following outline text:

%s

Convert it into structured JSON WITHOUT modifying any of the original text content. Only reorganize the existing content; preserve all titles and points exactly as written.

%s

Return only the JSON, don't include any other text.`,
		formatReferenceFiles(refs), outlineText, outlineSchemaHint)
}

func pageDescriptionPrompt(ideaPrompt string, outlineText string, pageTitle string, points []string, part string, pageIndex int, refs []ReferenceContent) string {
	partInfo := ""
	if part != "" {
		partInfo = fmt.Sprintf("\nThis page belongs to: %s", part)
	}
	return fmt.Sprintf(`%sWe are generating the text description for each slide page.
The original user request is:
%s

We already have the entire outline:
%s%s

Now please generate the description for page %d, titled %q, covering:
- %s

The description includes the page title and the text to render (keep it concise), don't include any other text.
If the reference files contain image URLs, include them as markdown image links so they can be placed on the page.`,
		formatReferenceFiles(refs), ideaPrompt, outlineText, partInfo, pageIndex, pageTitle,
		strings.Join(points, "\n- "))
}

func imageGenerationPrompt(pageDesc, outlineText, currentSection string, hasMaterialImages bool, extraRequirements string) string {
	materialNote := ""
	if hasMaterialImages {
		materialNote = "\n\nBesides the template reference image (style reference only), material images are attached. Pick suitable elements from them and integrate them into the rendered page as the content requires."
	}
	extra := ""
	if strings.TrimSpace(extraRequirements) != "" {
		extra = fmt.Sprintf("\n\nExtra requirements (must follow):\n%s\n", extraRequirements)
	}
	return fmt.Sprintf(`Using professional graphic design knowledge, render one slide page matching the reference image's palette and style, as one page of a larger deck. The page description:
%s
(Punctuation and layout may be polished, but all other text must match the description exactly.)

---
The full deck outline:
%s

Current section: %s

Text must be crisp and sharp, 4K resolution, 16:9 ratio, palette and style strictly consistent.%s%s`,
		pageDesc, outlineText, currentSection, materialNote, extra)
}

func imageEditPrompt(editInstruction, originalDescription string) string {
	if originalDescription != "" {
		return fmt.Sprintf(`The original page description for this slide:
%s

Now modify this slide according to the instruction: %s

Keep the existing text content and design style; change only what the instruction asks.`,
			originalDescription, editInstruction)
	}
	return fmt.Sprintf("Modify this slide according to the instruction: %s\nKeep the existing content structure and design style; change only what the instruction asks.", editInstruction)
}

func descriptionToOutlinePrompt(descriptionText string, refs []ReferenceContent) string {
	return fmt.Sprintf(`%sYou are a helpful assistant that analyzes a user-provided slide description text and extracts the outline structure from it.

The user has provided the following description text:

%s

Identify how many pages are described, each page's title, and its key points.

%s

Return only the JSON, don't include any other text.`,
		formatReferenceFiles(refs), descriptionText, outlineSchemaHint)
}

func descriptionSplitPrompt(descriptionText string, outline []outlineItem) string {
	outlineJSON, _ := json.MarshalIndent(outline, "", "  ")
	return fmt.Sprintf(`You are a helpful assistant that splits a complete slide description text into individual page descriptions.

The complete description text:

%s

The extracted outline structure:

%s

Split the description text into one description per outline page, in the same order. Return a JSON array of strings, each holding that page's title and body text. If a page has no clear description in the text, write a reasonable one from its outline. Return only the JSON array, don't include any other text.`,
		descriptionText, string(outlineJSON))
}

func captionPrompt() string {
	return "Describe this image in one concise sentence so it can be used as an inline caption in a parsed document. Return only the caption text."
}
