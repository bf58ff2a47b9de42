// Package chunk splits documents into token-bounded chunks for embedding.
package chunk

import (
	"regexp"
	"strings"
	"sync"

	"github.com/nesall/rag-code-assistant/internal/token"
)

// Unit says what Start/End index in a chunk's metadata.
type Unit string

const (
	UnitChar Unit = "char"
	UnitLine Unit = "line"
)

// ContentType classifies a chunk's source material.
type ContentType string

const (
	TypeCode ContentType = "code"
	TypeText ContentType = "text"
)

// Meta holds positional and size metadata for a chunk.
type Meta struct {
	TokenCount int
	Start      int
	End        int
	Unit       Unit
	Type       ContentType
}

// Chunk is one token-bounded slice of a document. Text is the content sent
// to the embedder; Raw is the corresponding slice before normalization.
type Chunk struct {
	DocURI string
	Seq    int
	Text   string
	Raw    string
	Meta   Meta
}

// Config holds chunker limits. The effective overlap is
// min(OverlapRatio*MaxTokens, 0.6*MaxTokens).
type Config struct {
	MinTokens    int
	MaxTokens    int
	OverlapRatio float64
	// Detection thresholds: a document is code when indicator lines exceed
	// CodeLineRatio of all lines, or CodeCharRatio of the text length for
	// documents under three lines.
	CodeLineRatio float64
	CodeCharRatio float64
}

// DefaultConfig returns the chunker defaults.
func DefaultConfig() Config {
	return Config{
		MinTokens:     50,
		MaxTokens:     500,
		OverlapRatio:  0.1,
		CodeLineRatio: 0.3,
		CodeCharRatio: 0.09,
	}
}

// Chunker splits text into chunks using a token counter for budgeting.
type Chunker struct {
	counter *token.Counter
	cfg     Config

	mu    sync.Mutex
	cache map[string]int
}

// New creates a Chunker around the given counter.
func New(counter *token.Counter, cfg Config) *Chunker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.CodeLineRatio == 0 {
		cfg.CodeLineRatio = DefaultConfig().CodeLineRatio
	}
	if cfg.CodeCharRatio == 0 {
		cfg.CodeCharRatio = DefaultConfig().CodeCharRatio
	}
	return &Chunker{
		counter: counter,
		cfg:     cfg,
		cache:   make(map[string]int),
	}
}

// overlapTokens returns the effective overlap budget.
func (c *Chunker) overlapTokens() int {
	overlap := int(float64(c.cfg.MaxTokens) * c.cfg.OverlapRatio)
	if cap := int(float64(c.cfg.MaxTokens) * 0.6); overlap > cap {
		overlap = cap
	}
	return overlap
}

// Tokens returns the cached token count for text.
func (c *Chunker) Tokens(text string) int {
	c.mu.Lock()
	if n, ok := c.cache[text]; ok {
		c.mu.Unlock()
		return n
	}
	c.mu.Unlock()

	n := c.counter.Count(text, false)

	c.mu.Lock()
	c.cache[text] = n
	c.mu.Unlock()
	return n
}

// Chunk splits text into ordered chunks for uri. With semantic set, the
// strategy follows the detected content type: line chunking for code, unit
// chunking for prose. Without it the text is always unit-chunked (used for
// chat questions).
func (c *Chunker) Chunk(text, uri string, semantic bool) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	if semantic && c.DetectContentType(text, uri) == TypeCode {
		chunks = c.lineChunks(text, uri)
	} else {
		ct := TypeText
		if semantic {
			ct = c.DetectContentType(text, uri)
		}
		chunks = c.unitChunks(text, uri, ct)
	}
	return c.postProcess(chunks)
}

var codeExtensions = []string{
	".cpp", ".cc", ".cxx", ".h", ".hpp", ".c",
	".py", ".js", ".ts", ".java", ".cs", ".go", ".rs",
}

var textExtensions = []string{".md", ".txt"}

// DetectContentType classifies text as code or prose, by extension first
// and by indicator scan otherwise.
func (c *Chunker) DetectContentType(text, uri string) ContentType {
	lower := strings.ToLower(uri)
	for _, ext := range codeExtensions {
		if strings.HasSuffix(lower, ext) {
			return TypeCode
		}
	}
	for _, ext := range textExtensions {
		if strings.HasSuffix(lower, ext) {
			return TypeText
		}
	}

	indicators, totalLines := 0, 0
	for _, line := range strings.Split(text, "\n") {
		totalLines++
		if strings.Contains(line, "class ") ||
			strings.Contains(line, "struct ") ||
			strings.Contains(line, "def ") ||
			strings.Contains(line, "func ") ||
			strings.Contains(line, "function ") ||
			strings.Contains(line, "#include") ||
			strings.Contains(line, "import ") ||
			strings.Count(line, "{") > 0 ||
			strings.Count(line, ";") > 1 {
			indicators++
		}
	}

	if totalLines < 3 {
		if float64(indicators) > c.cfg.CodeCharRatio*float64(len(text)) {
			return TypeCode
		}
		return TypeText
	}
	if float64(indicators) > c.cfg.CodeLineRatio*float64(totalLines) {
		return TypeCode
	}
	return TypeText
}

// postProcess merges undersized chunks forward into their successor when
// the combined count stays within budget.
func (c *Chunker) postProcess(chunks []Chunk) []Chunk {
	var processed []Chunk
	for i := 0; i < len(chunks); i++ {
		ch := chunks[i]
		if ch.Meta.TokenCount < c.cfg.MinTokens && i+1 < len(chunks) {
			next := chunks[i+1]
			combined := c.Tokens(ch.Text + next.Text)
			if combined <= c.cfg.MaxTokens && ch.DocURI == next.DocURI {
				ch.Text += next.Text
				ch.Raw += next.Raw
				ch.Meta.TokenCount = combined
				ch.Meta.End = next.Meta.End
				i++
			}
		}
		ch.Seq = len(processed)
		processed = append(processed, ch)
	}
	return processed
}

// lineChunks greedily packs whole lines up to the token budget. Start/End
// index lines. A single line over budget is re-split into token-bounded
// pieces first.
func (c *Chunker) lineChunks(text, uri string) []Chunk {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		lines = append(lines, c.splitLine(line)...)
	}

	overlapBudget := c.overlapTokens()
	var chunks []Chunk
	seq := 0
	start := 0

	for start < len(lines) {
		tokenCnt := 0
		end := start
		var sb strings.Builder

		for end < len(lines) {
			lt := c.Tokens(lines[end])
			if end > start && tokenCnt+lt > c.cfg.MaxTokens {
				break
			}
			tokenCnt += lt
			sb.WriteString(lines[end])
			end++
		}

		chunkText := sb.String()
		chunks = append(chunks, Chunk{
			DocURI: uri,
			Seq:    seq,
			Text:   chunkText,
			Raw:    chunkText,
			Meta: Meta{
				TokenCount: tokenCnt,
				Start:      start,
				End:        end,
				Unit:       UnitLine,
				Type:       TypeCode,
			},
		})
		seq++

		if end >= len(lines) {
			break
		}
		start = c.nextStart(start, end, overlapBudget, func(i int) int {
			return c.Tokens(lines[i])
		})
	}
	return chunks
}

// nextStart computes the restart position for the following chunk so that
// it repeats trailing elements summing to at least the overlap budget,
// while always advancing past the previous start.
func (c *Chunker) nextStart(start, end, overlapBudget int, tokensAt func(int) int) int {
	if overlapBudget <= 0 {
		return end
	}
	maxBack := end - start - 1
	back, tok := 0, 0
	for back < maxBack && tok < overlapBudget {
		tok += tokensAt(end - 1 - back)
		back++
	}
	return end - back
}

// splitLine returns the line (newline restored) as a single element, or
// several token-bounded pieces when the line alone exceeds the budget.
func (c *Chunker) splitLine(line string) []string {
	withNL := line + "\n"
	if c.Tokens(withNL) <= c.cfg.MaxTokens {
		return []string{withNL}
	}

	var subs []string
	var current strings.Builder
	currentTokens := 0
	for _, u := range splitUnits(line) {
		ut := c.Tokens(u)
		if currentTokens+ut > c.cfg.MaxTokens && current.Len() > 0 {
			subs = append(subs, current.String()+"\n")
			current.Reset()
			currentTokens = 0
		}
		current.WriteString(u)
		currentTokens += ut
	}
	if current.Len() > 0 {
		subs = append(subs, current.String()+"\n")
	}
	return subs
}

// unitChunks packs whitespace/punctuation/word units from the normalized
// text. Start/End index characters of the normalized string.
func (c *Chunker) unitChunks(text, uri string, ct ContentType) []Chunk {
	normalized := NormalizeWhitespace(text)
	raw := splitUnits(normalized)

	type unit struct {
		text       string
		tokens     int
		start, end int
	}
	units := make([]unit, 0, len(raw))
	pos := 0
	for _, u := range raw {
		units = append(units, unit{u, c.Tokens(u), pos, pos + len(u)})
		pos += len(u)
	}

	overlapBudget := c.overlapTokens()
	var chunks []Chunk
	seq := 0
	start := 0

	for start < len(units) {
		tokenCnt := 0
		end := start
		for end < len(units) {
			if end > start && tokenCnt+units[end].tokens > c.cfg.MaxTokens {
				break
			}
			tokenCnt += units[end].tokens
			end++
		}

		startChar := units[start].start
		endChar := units[end-1].end
		var sb strings.Builder
		for i := start; i < end; i++ {
			sb.WriteString(units[i].text)
		}

		chunks = append(chunks, Chunk{
			DocURI: uri,
			Seq:    seq,
			Text:   sb.String(),
			Raw:    normalized[startChar:endChar],
			Meta: Meta{
				TokenCount: tokenCnt,
				Start:      startChar,
				End:        endChar,
				Unit:       UnitChar,
				Type:       ct,
			},
		})
		seq++

		if end >= len(units) {
			break
		}
		start = c.nextStart(start, end, overlapBudget, func(i int) int {
			return units[i].tokens
		})
	}
	return chunks
}

var (
	intraLineSpace = regexp.MustCompile(`[^\S\n]+`)
	blankLineRuns  = regexp.MustCompile(`\n\s*\n`)
	literalNewline = regexp.MustCompile(`\\n`)
)

// NormalizeWhitespace trims the text, collapses intra-line whitespace to a
// single space, and collapses blank-line runs to one newline.
func NormalizeWhitespace(s string) string {
	s = strings.TrimSpace(s)
	s = intraLineSpace.ReplaceAllString(s, " ")
	s = blankLineRuns.ReplaceAllString(s, "\n")
	return s
}

// CleanForEmbedding prepares text for the embedding endpoint: optional
// prepend phrase, whitespace normalization, literal \n unescaping,
// non-ASCII removal, and a 2000-character cap.
func CleanForEmbedding(text, prepend string) string {
	s := NormalizeWhitespace(text)
	if p := strings.TrimSpace(prepend); p != "" {
		s = p + " " + s
	}
	s = literalNewline.ReplaceAllString(s, "\n")

	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] < 0x80 {
			sb.WriteByte(s[i])
		}
	}
	s = strings.TrimSpace(sb.String())
	if len(s) > 2000 {
		s = s[:2000]
	}
	return s
}

// splitUnits splits text into interleaved units: runs of whitespace,
// single punctuation characters, and runs of everything else. Offsets are
// preserved because the units concatenate back to the input.
func splitUnits(text string) []string {
	var result []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			result = append(result, buf.String())
			buf.Reset()
		}
	}

	isSpace := func(c byte) bool {
		return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
	}
	isPunctByte := func(c byte) bool {
		return (c >= 33 && c <= 47) || (c >= 58 && c <= 64) ||
			(c >= 91 && c <= 96) || (c >= 123 && c <= 126)
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case isSpace(c):
			flush()
			if n := len(result); n > 0 && isAllSpace(result[n-1]) {
				result[n-1] += string(c)
			} else {
				result = append(result, string(c))
			}
		case isPunctByte(c):
			flush()
			result = append(result, string(c))
		default:
			buf.WriteByte(c)
		}
	}
	flush()
	return result
}

func isAllSpace(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r', '\v', '\f':
		default:
			return false
		}
	}
	return true
}
