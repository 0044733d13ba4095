package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ChunkConfig controls fragment sizing: the maximum size before a fragment
// is split, and how much consecutive split parts overlap.
type ChunkConfig struct {
	MaxLines     int // Maximum lines per fragment before splitting
	MaxChars     int // Maximum bytes per fragment before splitting
	OverlapLines int // Line overlap between consecutive split parts
}

// DefaultChunkConfig returns the chunker's default sizing.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxLines:     DefaultMaxLines,
		MaxChars:     DefaultMaxChars,
		OverlapLines: DefaultOverlapLines,
	}
}

// CodeChunker implements AST-aware semantic chunking using tree-sitter.
// It walks the AST in document order, maintaining a breadcrumb context
// stack, emits one fragment per definition node plus gap fragments for
// uncovered lines, and splits any oversized fragment deterministically.
type CodeChunker struct {
	parser   *Parser
	registry *LanguageRegistry
	config   ChunkConfig
}

// NewCodeChunker creates a new code chunker with default sizing.
func NewCodeChunker() *CodeChunker {
	return NewCodeChunkerWithConfig(DefaultChunkConfig())
}

// NewCodeChunkerWithConfig creates a new code chunker with custom sizing.
func NewCodeChunkerWithConfig(cfg ChunkConfig) *CodeChunker {
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.OverlapLines < 0 || cfg.OverlapLines >= cfg.MaxLines {
		cfg.OverlapLines = DefaultOverlapLines
	}

	registry := DefaultRegistry()
	return &CodeChunker{
		parser:   NewParserWithRegistry(registry),
		registry: registry,
		config:   cfg,
	}
}

// Close releases chunker resources.
func (c *CodeChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions returns file extensions this chunker handles.
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits a file into semantic fragments. See package docs for the
// algorithm: AST walk with a context stack, coverage-bitmap gap fill, then
// a deterministic oversized-fragment splitter.
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return nil, nil
	}

	_, langSupported := c.registry.GetByName(file.Language)
	extractor, hasExtractor := GetExtractor(file.Language)
	if !langSupported || !hasExtractor {
		return c.chunkByLines(file)
	}

	tree, err := c.parser.Parse(ctx, file.Content, file.Language)
	if err != nil {
		return c.chunkByLines(file)
	}

	return c.chunkTree(tree, file, extractor), nil
}

func (c *CodeChunker) chunkTree(tree *Tree, file *FileInput, extractor LanguageExtractor) []*Chunk {
	now := time.Now()
	fileLabel := "File: " + file.Path
	lines := strings.Split(string(file.Content), "\n")
	// A file ending in a trailing newline splits into one synthetic empty
	// final element that is not a real line; drop it so the coverage pass
	// doesn't manufacture a phantom one-line gap fragment at EOF for it.
	if n := len(lines); n > 1 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	lineCount := len(lines)
	covered := make([]bool, lineCount+2)

	var fragments []*Chunk
	defKinds := extractor.DefinitionKinds()

	var walk func(n *Node, stack []string, parentKind FragmentKind)
	walk = func(n *Node, stack []string, parentKind FragmentKind) {
		if n == nil {
			return
		}

		baseKind, isDef := defKinds[n.Type]
		if isDef {
			kind := extractor.Classify(n, tree.Source, baseKind)
			if file.Language == "python" && kind == KindFunction && parentKind == KindClass {
				kind = KindMethod
			}

			name := extractor.Name(n, tree.Source)
			if name != "" {
				// The fragment's own breadcrumb is the parent stack plus
				// this node's own label — a top-level "func add" gets
				// ["File: x.rs", "Function: add"], not just ["File: x.rs"].
				// Descendants walk with the same stack, so nested
				// definitions accumulate labels on top of it.
				ownStack := stack
				if label := extractor.Label(n, tree.Source, kind, name); label != "" {
					ownStack = append(append([]string{}, stack...), label)
				}

				frag := c.buildDefinitionFragment(file, tree, n, kind, name, extractor, ownStack, now)
				fragments = append(fragments, frag)
				markCovered(covered, frag.StartLine, frag.EndLine)

				for _, child := range n.Children {
					walk(child, ownStack, kind)
				}
				return
			}
		}

		for _, child := range n.Children {
			walk(child, stack, parentKind)
		}
	}
	walk(tree.Root, []string{fileLabel}, "")

	for _, gap := range findGaps(covered, lineCount) {
		fragments = append(fragments, c.buildGapFragment(file, lines, gap.start, gap.end, fileLabel, now))
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].StartLine < fragments[j].StartLine
	})

	var out []*Chunk
	for _, f := range fragments {
		out = append(out, c.splitOversized(f, now)...)
	}
	return out
}

// buildDefinitionFragment constructs a fragment from a matched definition
// node: its exact byte range as content, plus the extractor-derived
// signature/docstring/label. breadcrumb is the node's full breadcrumb,
// already including its own label as the last element.
func (c *CodeChunker) buildDefinitionFragment(file *FileInput, tree *Tree, n *Node, kind FragmentKind, name string, extractor LanguageExtractor, ownBreadcrumb []string, now time.Time) *Chunk {
	content := n.GetContent(tree.Source)
	signature := extractor.Signature(n, tree.Source, kind)
	docstring := extractor.Docstring(n, tree.Source)

	breadcrumb := append([]string{}, ownBreadcrumb...)
	// Line numbers are 1-indexed throughout this module (matching every
	// other StartLine/EndLine consumer: CLI location output, the daemon
	// wire protocol, search result formatting). Wire/API layers that need
	// the 0-based inclusive ranges used in the external fragment contract
	// should subtract 1 at the boundary rather than changing this.
	startLine := int(n.StartPoint.Row) + 1
	endLine := int(n.EndPoint.Row) + 1

	symbol := &Symbol{
		Name:       name,
		Type:       symbolTypeForKind(kind),
		StartLine:  startLine,
		EndLine:    endLine,
		Signature:  signature,
		DocComment: docstring,
	}

	return &Chunk{
		ID:          generateChunkID(file.Path, content),
		FilePath:    file.Path,
		Content:     content,
		RawContent:  content,
		Context:     strings.Join(breadcrumb, "\n"),
		ContentType: ContentTypeCode,
		Language:    file.Language,
		StartLine:   startLine,
		EndLine:     endLine,
		Symbols:     []*Symbol{symbol},
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
		Kind:        kind,
		Breadcrumb:  breadcrumb,
		Signature:   signature,
		Docstring:   docstring,
		IsComplete:  true,
		Hash:        contentHash(content),
	}
}

// buildGapFragment builds a Block fragment covering lines [start, end]
// (1-indexed, inclusive) that no definition claimed.
func (c *CodeChunker) buildGapFragment(file *FileInput, lines []string, start, end int, fileLabel string, now time.Time) *Chunk {
	body := strings.Join(lines[start-1:end], "\n")
	breadcrumb := []string{fileLabel}

	return &Chunk{
		ID:          generateChunkID(file.Path, body),
		FilePath:    file.Path,
		Content:     body,
		RawContent:  body,
		Context:     fileLabel,
		ContentType: ContentTypeCode,
		Language:    file.Language,
		StartLine:   start,
		EndLine:     end,
		Symbols:     nil,
		Metadata:    make(map[string]string),
		CreatedAt:   now,
		UpdatedAt:   now,
		Kind:        KindBlock,
		Breadcrumb:  breadcrumb,
		IsComplete:  true,
		Hash:        contentHash(body),
	}
}

// lineRange is a 1-indexed, inclusive uncovered line run.
type lineRange struct {
	start, end int
}

// markCovered marks lines [start, end] (1-indexed, inclusive) as covered.
func markCovered(covered []bool, start, end int) {
	for l := start; l <= end && l < len(covered); l++ {
		if l >= 0 {
			covered[l] = true
		}
	}
}

// findGaps scans the coverage bitmap for maximal uncovered line runs.
func findGaps(covered []bool, lineCount int) []lineRange {
	var gaps []lineRange
	inGap := false
	start := 0

	for line := 1; line <= lineCount; line++ {
		isCovered := line < len(covered) && covered[line]
		switch {
		case !isCovered && !inGap:
			inGap = true
			start = line
		case isCovered && inGap:
			gaps = append(gaps, lineRange{start, line - 1})
			inGap = false
		}
	}
	if inGap {
		gaps = append(gaps, lineRange{start, lineCount})
	}
	return gaps
}

// splitOversized partitions a fragment exceeding the configured size into
// contiguous parts with OverlapLines overlap. Each part's first line is a
// "[Part k/N] <label>" header; parts that are themselves still too long for
// MaxChars are further divided at a character boundary. Returns a single
// element slice (the fragment unchanged) when no split is needed.
func (c *CodeChunker) splitOversized(f *Chunk, now time.Time) []*Chunk {
	lines := strings.Split(f.Content, "\n")
	if len(lines) <= c.config.MaxLines && len(f.Content) <= c.config.MaxChars {
		return []*Chunk{f}
	}

	label := ""
	if len(f.Breadcrumb) > 0 {
		label = f.Breadcrumb[len(f.Breadcrumb)-1]
	}

	var bodies []string
	var startOffsets []int // 0-based line offset of each body within `lines`

	for i := 0; i < len(lines); {
		end := i + c.config.MaxLines
		if end > len(lines) {
			end = len(lines)
		}
		body := strings.Join(lines[i:end], "\n")

		for len(body) > c.config.MaxChars {
			bodies = append(bodies, body[:c.config.MaxChars])
			startOffsets = append(startOffsets, i)
			body = body[c.config.MaxChars:]
		}
		bodies = append(bodies, body)
		startOffsets = append(startOffsets, i)

		if end >= len(lines) {
			break
		}
		next := end - c.config.OverlapLines
		if next <= i {
			next = end
		}
		i = next
	}

	total := len(bodies)
	parts := make([]*Chunk, 0, total)
	for idx, body := range bodies {
		header := fmt.Sprintf("[Part %d/%d] %s", idx+1, total, label)
		fullContent := header + "\n" + body
		partStart := f.StartLine + startOffsets[idx]
		partEnd := partStart + strings.Count(body, "\n")

		parts = append(parts, &Chunk{
			ID:          generateChunkID(f.FilePath, fullContent),
			FilePath:    f.FilePath,
			Content:     fullContent,
			RawContent:  body,
			Context:     f.Context,
			ContentType: f.ContentType,
			Language:    f.Language,
			StartLine:   partStart,
			EndLine:     partEnd,
			Symbols:     f.Symbols,
			Metadata:    make(map[string]string),
			CreatedAt:   now,
			UpdatedAt:   now,
			Kind:        f.Kind,
			Breadcrumb:  f.Breadcrumb,
			Signature:   f.Signature,
			Docstring:   f.Docstring,
			IsComplete:  false,
			SplitIndex:  idx,
			SplitTotal:  total,
			Hash:        contentHash(fullContent),
		})
	}
	return parts
}

// chunkByLines is the fallback for unsupported or unparseable languages:
// sliding-window Block fragments of at most MaxLines lines and MaxChars
// bytes with OverlapLines overlap.
func (c *CodeChunker) chunkByLines(file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	fileLabel := "File: " + file.Path
	lines := strings.Split(content, "\n")
	now := time.Now()

	var chunks []*Chunk
	for i := 0; i < len(lines); {
		end := i + c.config.MaxLines
		if end > len(lines) {
			end = len(lines)
		}

		chunkContent := strings.Join(lines[i:end], "\n")
		if len(chunkContent) > c.config.MaxChars {
			chunkContent = chunkContent[:c.config.MaxChars]
		}
		startLine := i + 1
		endLine := startLine + strings.Count(chunkContent, "\n")

		chunks = append(chunks, &Chunk{
			ID:          generateChunkID(file.Path, chunkContent),
			FilePath:    file.Path,
			Content:     chunkContent,
			RawContent:  chunkContent,
			Context:     fileLabel,
			ContentType: ContentTypeText,
			Language:    file.Language,
			StartLine:   startLine,
			EndLine:     endLine,
			Symbols:     nil,
			Metadata:    make(map[string]string),
			CreatedAt:   now,
			UpdatedAt:   now,
			Kind:        KindBlock,
			Breadcrumb:  []string{fileLabel},
			IsComplete:  true,
			Hash:        contentHash(chunkContent),
		})

		if end >= len(lines) {
			break
		}
		i = end - c.config.OverlapLines
		if i <= 0 {
			i = end
		}
	}

	return chunks, nil
}

// symbolTypeForKind maps a fragment Kind onto the legacy SymbolType used by
// Symbol records, for callers that still key off symbol type.
func symbolTypeForKind(kind FragmentKind) SymbolType {
	switch kind {
	case KindFunction:
		return SymbolTypeFunction
	case KindMethod:
		return SymbolTypeMethod
	case KindClass, KindStruct:
		return SymbolTypeClass
	case KindInterface:
		return SymbolTypeInterface
	case KindTypeAlias:
		return SymbolTypeType
	case KindConst:
		return SymbolTypeConstant
	default:
		return SymbolTypeVariable
	}
}

// generateChunkID generates a content-addressable chunk ID from file path and content.
// The ID is derived from filePath and content hash, making it stable across line number
// shifts while preserving file context. This is critical for checkpoint/resume to work
// correctly when files are modified between indexing sessions.
//
// Properties:
//   - Same content in same file = same ID (stable across line shifts)
//   - Different content in same file = different ID (triggers re-embedding)
//   - Same content in different files = different IDs (preserves file context)
func generateChunkID(filePath string, content string) string {
	contentHashStr := contentHash(content)[:16]
	input := fmt.Sprintf("%s:%s", filePath, contentHashStr)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])[:16]
}

// contentHash returns the full hex-encoded SHA256 digest of content, used as
// the fragment's dedup/cache key.
func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// estimateTokens estimates the number of tokens in content. Retained for the
// markdown chunker, which still sizes by an approximate token budget.
func estimateTokens(content string) int {
	return len(content) / TokensPerChar
}
