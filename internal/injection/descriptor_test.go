package injection

import "testing"

func TestDescriptorHostVirtualRoundTrip(t *testing.T) {
	// Two-line Lua block embedded after a Markdown fence line.
	host := []byte("```lua\nlocal x = 1\nprint(x)\n```\n")
	// "local x = 1\nprint(x)\n" starts right after "```lua\n" (7 bytes) and
	// ends before the closing fence.
	region := Region{ID: "r1", Language: "lua", Ranges: []ByteRange{
		{StartByte: 7, EndByte: 7 + uint32(len("local x = 1\nprint(x)\n"))},
	}}
	d := BuildDescriptor(host, region)

	if got := d.VirtualText(); got != "local x = 1\nprint(x)\n" {
		t.Fatalf("VirtualText() = %q", got)
	}

	vLine, vChar, ok := d.HostToVirtual(1, 6)
	if !ok {
		t.Fatalf("HostToVirtual(1, 6) not ok")
	}
	if vLine != 0 || vChar != 6 {
		t.Fatalf("HostToVirtual(1, 6) = (%d, %d), want (0, 6)", vLine, vChar)
	}

	hLine, hChar, ok := d.VirtualToHost(vLine, vChar)
	if !ok || hLine != 1 || hChar != 6 {
		t.Fatalf("VirtualToHost(%d, %d) = (%d, %d, %v), want (1, 6, true)", vLine, vChar, hLine, hChar, ok)
	}
}

func TestDescriptorHostToVirtualOutsideRegion(t *testing.T) {
	host := []byte("```lua\nlocal x = 1\n```\n")
	region := Region{ID: "r1", Language: "lua", Ranges: []ByteRange{
		{StartByte: 7, EndByte: 7 + uint32(len("local x = 1\n"))},
	}}
	d := BuildDescriptor(host, region)

	if _, _, ok := d.HostToVirtual(0, 0); ok {
		t.Fatalf("HostToVirtual on the fence line should miss the region")
	}
}

func TestDescriptorMultiRangeConcatenation(t *testing.T) {
	// Two disjoint host ranges (e.g. a SQL string split by interpolation)
	// concatenate into one virtual document in order.
	host := []byte("SELECT * FROM <<t>> WHERE id = 1")
	region := Region{ID: "r1", Language: "sql", Ranges: []ByteRange{
		{StartByte: 0, EndByte: 14},  // "SELECT * FROM "
		{StartByte: 19, EndByte: 32}, // " WHERE id = 1"
	}}
	d := BuildDescriptor(host, region)
	if got, want := d.VirtualText(), "SELECT * FROM  WHERE id = 1"; got != want {
		t.Fatalf("VirtualText() = %q, want %q", got, want)
	}

	// Byte 19 in host (start of second range) maps to virtual offset 14.
	vLine, vChar, ok := d.HostToVirtual(0, 19)
	if !ok || vLine != 0 || vChar != 14 {
		t.Fatalf("HostToVirtual(0, 19) = (%d, %d, %v), want (0, 14, true)", vLine, vChar, ok)
	}
}

func TestDescriptorUTF16Surrogates(t *testing.T) {
	// U+1F600 (😀) is 4 UTF-8 bytes and 2 UTF-16 code units.
	host := []byte("x = \"😀\"\n")
	region := Region{ID: "r1", Language: "lua", Ranges: []ByteRange{
		{StartByte: 0, EndByte: uint32(len(host))},
	}}
	d := BuildDescriptor(host, region)

	// x, space, =, space, " take 5 units, so char 6 falls between the
	// emoji's two UTF-16 units; the offset moves forward past the whole
	// emoji and lands on the closing quote.
	off, ok := positionToByteOffset(host, lineStarts(host), 0, 6)
	if !ok {
		t.Fatalf("positionToByteOffset not ok")
	}
	if host[off] != '"' {
		t.Fatalf("expected offset %d to land on closing quote, got byte %q", off, host[off])
	}
	_ = d
}
