package chunk

import (
	"context"
	"time"
)

// Chunk size defaults (based on 2025 RAG research)
const (
	DefaultMaxChunkTokens = 512 // Optimal for 85-90% recall
	DefaultOverlapTokens  = 64  // ~12.5% overlap
	MinChunkTokens        = 100 // Minimum viable chunk
	TokensPerChar         = 4   // Rough approximation: 4 chars = 1 token
)

// Fragment size defaults for the semantic chunker's ChunkConfig.
const (
	DefaultMaxLines     = 100  // Maximum lines per fragment before splitting
	DefaultMaxChars     = 4000 // Maximum bytes per fragment before splitting
	DefaultOverlapLines = 10   // Line overlap between consecutive split parts
)

// ContentType represents the type of content in a chunk
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// FragmentKind classifies a fragment by the kind of definition it carries,
// or Block/Anchor for non-definition fragments. See GLOSSARY.
type FragmentKind string

const (
	KindFunction  FragmentKind = "Function"
	KindMethod    FragmentKind = "Method"
	KindClass     FragmentKind = "Class"
	KindStruct    FragmentKind = "Struct"
	KindEnum      FragmentKind = "Enum"
	KindTrait     FragmentKind = "Trait"
	KindInterface FragmentKind = "Interface"
	KindImpl      FragmentKind = "Impl"
	KindMod       FragmentKind = "Mod"
	KindTypeAlias FragmentKind = "TypeAlias"
	KindConst     FragmentKind = "Const"
	KindStatic    FragmentKind = "Static"
	// KindBlock marks a gap fragment covering source not claimed by any definition.
	KindBlock FragmentKind = "Block"
	// KindAnchor marks an optional file-level summary fragment.
	KindAnchor FragmentKind = "Anchor"
	KindOther  FragmentKind = "Other"
)

// Chunk is a retrievable unit of content: the fragment record described in
// the data model, carrying both its raw/contextualized text and the
// breadcrumb/kind/signature metadata the extractor attaches to it.
type Chunk struct {
	ID          string            // SHA256(file_path + ":" + content_hash[:16]), first 16 hex chars
	FilePath    string            // Relative to project root
	Content     string            // Exact source slice for this fragment
	RawContent  string            // Same as Content; kept for legacy call sites
	Context     string            // Breadcrumb joined by "\n" (see Breadcrumb)
	ContentType ContentType       // code, markdown, text
	Language    string            // go, typescript, python, etc.
	StartLine   int               // 1-indexed
	EndLine     int               // Inclusive
	Symbols     []*Symbol         // Functions, classes, etc.
	Metadata    map[string]string // Custom metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Kind classifies this fragment per FragmentKind.
	Kind FragmentKind
	// Breadcrumb is the ordered list of human-readable context labels,
	// outermost first, e.g. ["File: x.go", "Impl: Point", "Method: New"].
	// Breadcrumb[0] always equals "File: <path>".
	Breadcrumb []string
	// Signature is an optional one-line language-aware declaration,
	// never including the body.
	Signature string
	// Docstring is the optional documentation attached to this
	// definition, with doc markers stripped.
	Docstring string
	// IsComplete is false iff this fragment was produced by the
	// oversized-fragment splitter.
	IsComplete bool
	// SplitIndex is the zero-based part index when IsComplete is false.
	SplitIndex int
	// SplitTotal is the total number of parts when IsComplete is false.
	SplitTotal int
	// Hash is the hex-encoded content hash of Content, used for
	// collision-free dedup and as the embedding cache key.
	Hash string
}

// FileInput is input for the Chunker interface
type FileInput struct {
	Path     string // Relative path
	Content  []byte // File content
	Language string // go, typescript, python, etc.
}

// Chunker is the interface for splitting files into chunks
type Chunker interface {
	// Chunk splits a file into semantic chunks
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)

	// SupportedExtensions returns file extensions this chunker handles
	SupportedExtensions() []string
}

// SymbolType represents the kind of code symbol
type SymbolType string

const (
	SymbolTypeFunction  SymbolType = "function"
	SymbolTypeClass     SymbolType = "class"
	SymbolTypeInterface SymbolType = "interface"
	SymbolTypeType      SymbolType = "type"
	SymbolTypeVariable  SymbolType = "variable"
	SymbolTypeConstant  SymbolType = "constant"
	SymbolTypeMethod    SymbolType = "method"
)

// Symbol represents a code symbol extracted from parsing
type Symbol struct {
	Name       string
	Type       SymbolType
	StartLine  int
	EndLine    int
	Signature  string
	DocComment string
}

// Tree represents a parsed AST
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node represents a node in the AST
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point represents a position in the source code
type Point struct {
	Row    uint32 // 0-indexed line number
	Column uint32
}

// LanguageConfig holds configuration for a supported language
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that indicate function declarations
	FunctionTypes []string

	// Node types that indicate class/struct definitions
	ClassTypes []string

	// Node types that indicate interface definitions
	InterfaceTypes []string

	// Node types that indicate method definitions
	MethodTypes []string

	// Node types that indicate type definitions
	TypeDefTypes []string

	// Node types that indicate constant declarations
	ConstantTypes []string

	// Node types that indicate variable declarations
	VariableTypes []string

	// Node type for name identifier
	NameField string
}
