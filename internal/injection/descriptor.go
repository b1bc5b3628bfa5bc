package injection

// Descriptor is the cacheable region descriptor of spec §3: the extracted
// injected text, its line-start table, and a bidirectional host↔virtual
// position mapping. It is built fresh per request (§3: "not shared between
// requests") from a Region plus the host document's current text.
type Descriptor struct {
	Region   Region
	HostText []byte

	virtualText  []byte
	hostLines    []int // byte offsets of each host line start
	virtualLines []int // byte offsets of each virtual line start
}

// BuildDescriptor extracts region's text from hostText (concatenating each
// range's bytes in document order, §4.12) and precomputes both line-start
// tables.
func BuildDescriptor(hostText []byte, region Region) *Descriptor {
	return &Descriptor{
		Region:       region,
		HostText:     hostText,
		virtualText:  extract(hostText, region.Ranges),
		hostLines:    lineStarts(hostText),
		virtualLines: nil, // computed lazily below, once virtualText is set
	}
}

// VirtualText returns the extracted injected text.
func (d *Descriptor) VirtualText() string {
	return string(d.virtualText)
}

func (d *Descriptor) virtualLineStarts() []int {
	if d.virtualLines == nil {
		d.virtualLines = lineStarts(d.virtualText)
	}
	return d.virtualLines
}

// ContainsHostOffset reports whether byte offset off (in host text) falls
// inside one of the region's ranges. Per §8 boundary behavior: the first
// byte of a range belongs to it, the byte immediately after its last byte
// does not (ranges are half-open).
func (d *Descriptor) ContainsHostOffset(off uint32) bool {
	for _, rg := range d.Region.Ranges {
		if off >= rg.StartByte && off < rg.EndByte {
			return true
		}
	}
	return false
}

// HostToVirtual converts a host (line, UTF-16 character) position into the
// equivalent virtual-document position. ok is false if the position does
// not fall inside this region.
func (d *Descriptor) HostToVirtual(line, char int) (vLine, vChar int, ok bool) {
	hostOff, ok := positionToByteOffset(d.HostText, d.hostLines, line, char)
	if !ok {
		return 0, 0, false
	}
	if !d.ContainsHostOffset(uint32(hostOff)) {
		return 0, 0, false
	}
	virtOff := d.hostOffsetToVirtualOffset(uint32(hostOff))
	l, c := byteOffsetToPosition(d.virtualText, d.virtualLineStarts(), int(virtOff))
	return l, c, true
}

// VirtualToHost is the inverse of HostToVirtual.
func (d *Descriptor) VirtualToHost(line, char int) (hLine, hChar int, ok bool) {
	virtOff, ok := positionToByteOffset(d.virtualText, d.virtualLineStarts(), line, char)
	if !ok {
		return 0, 0, false
	}
	hostOff, ok := d.virtualOffsetToHostOffset(uint32(virtOff))
	if !ok {
		return 0, 0, false
	}
	l, c := byteOffsetToPosition(d.HostText, d.hostLines, int(hostOff))
	return l, c, true
}

// hostOffsetToVirtualOffset maps a host byte offset to the corresponding
// virtual byte offset by finding the covering range and adding the
// in-range delta, per §4.12. Ranges are assumed sorted and non-overlapping.
func (d *Descriptor) hostOffsetToVirtualOffset(hostOff uint32) uint32 {
	var cumulative uint32
	for _, rg := range d.Region.Ranges {
		if hostOff >= rg.StartByte && hostOff < rg.EndByte {
			return cumulative + (hostOff - rg.StartByte)
		}
		cumulative += rg.Len()
	}
	return cumulative // clamp: past the end, identity with total length
}

// virtualOffsetToHostOffset is the inverse of hostOffsetToVirtualOffset.
func (d *Descriptor) virtualOffsetToHostOffset(virtOff uint32) (uint32, bool) {
	var cumulative uint32
	for _, rg := range d.Region.Ranges {
		if virtOff < cumulative+rg.Len() {
			return rg.StartByte + (virtOff - cumulative), true
		}
		cumulative += rg.Len()
	}
	return 0, false
}

// lineStarts returns the byte offset of the start of each line in text
// (LF-delimited, matching the teacher's/pack's treatment of LSP documents;
// a lone CR is not treated as a line break, matching typical Tree-sitter
// and LSP server behavior).
func lineStarts(text []byte) []int {
	starts := []int{0}
	for i, b := range text {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// positionToByteOffset converts an LSP (line, UTF-16 character) position
// into a byte offset within text, using lines (text's line-start table).
// The character offset is counted in UTF-16 code units, matching LSP
// (§4.12). Positions past the end of their line are clamped to the line's
// end; an out-of-range line returns ok=false.
func positionToByteOffset(text []byte, lines []int, line, char int) (int, bool) {
	if line < 0 || line >= len(lines) {
		return 0, false
	}
	lineStart := lines[line]
	lineEnd := len(text)
	if line+1 < len(lines) {
		lineEnd = lines[line+1]
	}
	lineBytes := text[lineStart:lineEnd]

	units := 0
	i := 0
	for i < len(lineBytes) && units < char {
		r, size := decodeRuneUTF8(lineBytes[i:])
		if r == '\n' {
			break
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
		i += size
	}
	return lineStart + i, true
}

// byteOffsetToPosition is the inverse of positionToByteOffset.
func byteOffsetToPosition(text []byte, lines []int, offset int) (line, char int) {
	if offset < 0 {
		offset = 0
	}
	if offset > len(text) {
		offset = len(text)
	}

	// Binary search would be overkill at injection-region scale; these are
	// small extracted snippets, not whole files.
	line = 0
	for line+1 < len(lines) && lines[line+1] <= offset {
		line++
	}
	lineStart := lines[line]

	units := 0
	i := lineStart
	for i < offset {
		r, size := decodeRuneUTF8(text[i:])
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
		i += size
	}
	return line, units
}

// decodeRuneUTF8 decodes one UTF-8 rune, returning its code point and
// byte width. Invalid bytes are treated as width-1 code points so a
// malformed document never causes an infinite loop.
func decodeRuneUTF8(b []byte) (rune, int) {
	if len(b) == 0 {
		return 0, 0
	}
	c := b[0]
	switch {
	case c < 0x80:
		return rune(c), 1
	case c&0xE0 == 0xC0 && len(b) >= 2:
		return (rune(c&0x1F) << 6) | rune(b[1]&0x3F), 2
	case c&0xF0 == 0xE0 && len(b) >= 3:
		return (rune(c&0x0F) << 12) | (rune(b[1]&0x3F) << 6) | rune(b[2]&0x3F), 3
	case c&0xF8 == 0xF0 && len(b) >= 4:
		return (rune(c&0x07) << 18) | (rune(b[1]&0x3F) << 12) | (rune(b[2]&0x3F) << 6) | rune(b[3]&0x3F), 4
	default:
		return rune(c), 1
	}
}
