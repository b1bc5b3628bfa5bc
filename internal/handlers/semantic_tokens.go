package handlers

import "github.com/atusy/kakehashi/internal/injection"

// absoluteToken is one decoded semantic token (§4.10 "Semantic tokens").
type absoluteToken struct {
	line, char, length, tokenType, modifiers uint32
}

// decodeSemanticTokens expands the wire's delta-encoded uint32 quintuples
// into absolute (line, char) positions.
func decodeSemanticTokens(data []uint32) []absoluteToken {
	tokens := make([]absoluteToken, 0, len(data)/5)
	var line, char uint32
	for i := 0; i+4 < len(data); i += 5 {
		deltaLine, deltaChar := data[i], data[i+1]
		if deltaLine > 0 {
			char = 0
		}
		line += deltaLine
		char += deltaChar
		tokens = append(tokens, absoluteToken{
			line: line, char: char,
			length: data[i+2], tokenType: data[i+3], modifiers: data[i+4],
		})
	}
	return tokens
}

// encodeSemanticTokens re-delta-encodes a sequence of absolute tokens.
// Callers must supply tokens already sorted by (line, char) — translation
// through a descriptor preserves the downstream server's ordering since
// the coordinate mapping is monotonic within one region.
func encodeSemanticTokens(tokens []absoluteToken) []uint32 {
	data := make([]uint32, 0, len(tokens)*5)
	var prevLine, prevChar uint32
	for i, t := range tokens {
		var deltaLine, deltaChar uint32
		if i == 0 {
			deltaLine, deltaChar = t.line, t.char
		} else {
			deltaLine = t.line - prevLine
			if deltaLine > 0 {
				deltaChar = t.char
			} else {
				deltaChar = t.char - prevChar
			}
		}
		data = append(data, deltaLine, deltaChar, t.length, t.tokenType, t.modifiers)
		prevLine, prevChar = t.line, t.char
	}
	return data
}

// translateSemanticTokens decodes data (virtual-document coordinates),
// translates each token's start position to host coordinates via d, and
// re-encodes the result as a fresh delta stream (§4.10). Used for
// single-region requests (semanticTokens/range); whole-document requests
// use toHostTokens below to merge across regions before one final encode.
func translateSemanticTokens(d *injection.Descriptor, data []uint32) []uint32 {
	return encodeSemanticTokens(toHostTokens(d, data))
}

// toHostTokens decodes data and translates each token's start position to
// host coordinates via d, dropping tokens anchored outside the region.
func toHostTokens(d *injection.Descriptor, data []uint32) []absoluteToken {
	tokens := decodeSemanticTokens(data)
	translated := make([]absoluteToken, 0, len(tokens))
	for _, tok := range tokens {
		hl, hc, ok := d.VirtualToHost(int(tok.line), int(tok.char))
		if !ok {
			continue // token anchor fell outside the region; drop it rather than mis-place it
		}
		translated = append(translated, absoluteToken{
			line: uint32(hl), char: uint32(hc),
			length: tok.length, tokenType: tok.tokenType, modifiers: tok.modifiers,
		})
	}
	return translated
}
