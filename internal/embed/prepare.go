package embed

import "strings"

// Fragment is the minimal view of a chunked fragment that the embedding
// service needs in order to build its embedding text. It mirrors the
// breadcrumb/signature/docstring/content fields produced by the chunker.
type Fragment struct {
	Context   []string
	Signature string
	Docstring string
	Content   string
}

// PrepareText builds the text that gets embedded for a fragment: the
// concatenation, in order, of any non-empty "Context: ", "Signature: ",
// "Documentation: ", and "Code:\n" sections. Empty sections are omitted,
// and the ordering is deterministic so the same fragment always embeds to
// the same text.
func PrepareText(f Fragment) string {
	var sections []string

	if len(f.Context) > 0 {
		sections = append(sections, "Context: "+strings.Join(f.Context, " > "))
	}
	if sig := strings.TrimSpace(f.Signature); sig != "" {
		sections = append(sections, "Signature: "+sig)
	}
	if doc := strings.TrimSpace(f.Docstring); doc != "" {
		sections = append(sections, "Documentation: "+doc)
	}
	if f.Content != "" {
		sections = append(sections, "Code:\n"+f.Content)
	}

	return strings.Join(sections, "\n\n")
}
