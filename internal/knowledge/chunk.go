package knowledge

import "strings"

// ChunkOptions bounds chunk sizes in bytes.
type ChunkOptions struct {
	Target int
	Max    int
}

// DefaultChunkOptions suit short course notes and exercise statements.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{Target: 800, Max: 1200}
}

// Chunk splits text on blank lines and headings, merges neighbouring
// paragraphs up to Target and hard-splits any paragraph longer than Max on
// word boundaries. Text no longer than Max is one chunk.
func Chunk(text string, opts ChunkOptions) []string {
	if opts.Target <= 0 || opts.Max < opts.Target {
		opts = DefaultChunkOptions()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.Max {
		return []string{text}
	}

	var chunks []string
	var acc string
	flush := func() {
		if acc != "" {
			chunks = append(chunks, acc)
			acc = ""
		}
	}
	for _, p := range paragraphs(text) {
		if len(p) > opts.Max {
			flush()
			chunks = append(chunks, splitWords(p, opts.Target)...)
			continue
		}
		switch {
		case acc == "":
			acc = p
		case len(acc)+2+len(p) <= opts.Target:
			acc += "\n\n" + p
		default:
			flush()
			acc = p
		}
	}
	flush()
	return chunks
}

func paragraphs(text string) []string {
	var out []string
	var cur []string
	emit := func() {
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			out = append(out, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || (strings.HasPrefix(trimmed, "#") && len(cur) > 0) {
			emit()
		}
		if trimmed != "" {
			cur = append(cur, line)
		}
	}
	emit()
	return out
}

func splitWords(p string, target int) []string {
	var out []string
	var b strings.Builder
	for _, w := range strings.Fields(p) {
		if b.Len() > 0 && b.Len()+1+len(w) > target {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
