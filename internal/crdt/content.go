package crdt

// Content kinds carried by atoms. The document is a flat sequence of atoms:
// text runes, embedded elements (images), and break atoms that terminate a
// block and carry its block-level attributes as marks.
const (
	contentRune = iota + 1
	contentEmbed
	contentBreak
	// contentGone marks a clock range whose atoms were garbage collected
	// on the sender. It never appears in a live document, only on the wire.
	contentGone
)

// Content is the payload of a single atom.
type Content interface {
	kind() int
}

// RuneContent is one character of text.
type RuneContent struct {
	R rune
}

func (RuneContent) kind() int { return contentRune }

// EmbedContent is an inline embedded element, e.g. an image. The document
// only ever stores a reference (URL), never raw binary.
type EmbedContent struct {
	Kind  string
	Attrs map[string]string
}

func (EmbedContent) kind() int { return contentEmbed }

// BreakContent terminates a content block. The block type (paragraph,
// heading, blockquote, list item) lives in the break atom's marks under the
// "block" key, so concurrent block retyping merges like any other format.
type BreakContent struct{}

func (BreakContent) kind() int { return contentBreak }

// OpaqueContent preserves an atom whose content kind this build does not
// know. It keeps the clock space contiguous and round-trips on re-encode.
type OpaqueContent struct {
	Kind    uint64
	Payload []byte
}

func (OpaqueContent) kind() int { return 0 }

func contentEqual(a, b Content) bool {
	switch av := a.(type) {
	case RuneContent:
		bv, ok := b.(RuneContent)
		return ok && av.R == bv.R
	case BreakContent:
		_, ok := b.(BreakContent)
		return ok
	case EmbedContent:
		bv, ok := b.(EmbedContent)
		if !ok || av.Kind != bv.Kind || len(av.Attrs) != len(bv.Attrs) {
			return false
		}
		for k, v := range av.Attrs {
			if bv.Attrs[k] != v {
				return false
			}
		}
		return true
	default:
		return false
	}
}
