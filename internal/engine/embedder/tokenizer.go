package embedder

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// tokenized holds the result of tokenizing one or more texts, ready for ONNX
// inference. All slices are flat: [batchSize * seqLen].
type tokenized struct {
	inputIDs      []int64
	attentionMask []int64
	batchSize     int64
	seqLen        int64
}

// tokenizer performs WordPiece tokenization against a line-per-token vocab.
type tokenizer struct {
	vocab     *vocab
	maxSeqLen int
	lowercase bool
}

// newTokenizer creates a tokenizer from a vocab.txt file. Sequences are
// truncated to maxSeqLen tokens including [CLS] and [SEP].
func newTokenizer(vocabPath string, maxSeqLen int, lowercase bool) (*tokenizer, error) {
	if maxSeqLen < 3 {
		return nil, fmt.Errorf("tokenizer: max sequence length %d too small", maxSeqLen)
	}
	v, err := loadVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	return &tokenizer{vocab: v, maxSeqLen: maxSeqLen, lowercase: lowercase}, nil
}

// tokenize converts a single text into token IDs wrapped in [CLS] and [SEP],
// truncated to maxSeqLen. No padding is added.
func (t *tokenizer) tokenize(text string) []int64 {
	tokens := t.wordpiece(t.basicTokenize(text))

	if maxTokens := t.maxSeqLen - 2; len(tokens) > maxTokens {
		tokens = tokens[:maxTokens]
	}

	ids := make([]int64, 0, len(tokens)+2)
	ids = append(ids, t.vocab.clsID)
	for _, tok := range tokens {
		ids = append(ids, t.vocab.lookup(tok))
	}
	return append(ids, t.vocab.sepID)
}

// tokenizeBatch tokenizes multiple texts and packs them into flat slices
// right-padded with [PAD] to the longest sequence in the batch.
func (t *tokenizer) tokenizeBatch(texts []string) tokenized {
	if len(texts) == 0 {
		return tokenized{}
	}

	seqs := make([][]int64, len(texts))
	var seqLen int64
	for i, text := range texts {
		seqs[i] = t.tokenize(text)
		seqLen = max(seqLen, int64(len(seqs[i])))
	}

	batchSize := int64(len(texts))
	inputIDs := make([]int64, batchSize*seqLen)
	attentionMask := make([]int64, batchSize*seqLen)
	for i, ids := range seqs {
		row := int64(i) * seqLen
		for j := int64(0); j < seqLen; j++ {
			if j < int64(len(ids)) {
				inputIDs[row+j] = ids[j]
				attentionMask[row+j] = 1
			} else {
				inputIDs[row+j] = t.vocab.padID
			}
		}
	}

	return tokenized{
		inputIDs:      inputIDs,
		attentionMask: attentionMask,
		batchSize:     batchSize,
		seqLen:        seqLen,
	}
}

// basicTokenize cleans the text, splits CJK characters, and splits on
// whitespace and punctuation. Uncased vocabularies also get lowercasing and
// accent stripping; cased ones keep the text in NFC form.
func (t *tokenizer) basicTokenize(text string) []string {
	text = cleanText(text)
	text = tokenizeChineseChars(text)
	if t.lowercase {
		text = stripAccents(strings.ToLower(text))
	} else {
		text = norm.NFC.String(text)
	}

	// Split on whitespace, then split each token on punctuation.
	var tokens []string
	for _, word := range strings.Fields(text) {
		tokens = append(tokens, splitOnPunctuation(word)...)
	}
	return tokens
}

// wordpiece applies the WordPiece algorithm to a list of basic tokens.
func (t *tokenizer) wordpiece(tokens []string) []string {
	var result []string
	for _, token := range tokens {
		if len(token) == 0 {
			continue
		}
		// If the whole token is unknown and longer than max subword length,
		// we still try to decompose it.
		subTokens := t.wordpieceToken(token)
		result = append(result, subTokens...)
	}
	return result
}

// wordpieceToken decomposes a single basic token into WordPiece subwords.
func (t *tokenizer) wordpieceToken(token string) []string {
	runes := []rune(token)
	if len(runes) > 200 {
		return []string{"[UNK]"}
	}

	var subTokens []string
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := false
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if t.vocab.contains(sub) {
				subTokens = append(subTokens, sub)
				found = true
				break
			}
			end--
		}
		if !found {
			return []string{"[UNK]"}
		}
		start = end
	}
	return subTokens
}

// cleanText removes control characters and replaces whitespace with spaces.
func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == 0 || r == 0xFFFD || isControl(r) {
			continue
		}
		if isWhitespace(r) {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripAccents removes combining diacritical marks after NFD normalization.
func stripAccents(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range norm.NFD.String(text) {
		if unicode.In(r, unicode.Mn) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenizeChineseChars adds spaces around CJK Unified Ideographs so they
// become individual tokens.
func tokenizeChineseChars(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, r := range text {
		if isChineseChar(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// splitOnPunctuation splits a word at each punctuation character, keeping
// the punctuation as separate tokens.
func splitOnPunctuation(word string) []string {
	var tokens []string
	var current strings.Builder
	for _, r := range word {
		if isPunctuation(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			tokens = append(tokens, string(r))
		} else {
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

// Character classification helpers - these match BERT's Python implementation.

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

func isPunctuation(r rune) bool {
	// BERT treats anything in ASCII range 33-47, 58-64, 91-96, 123-126 as
	// punctuation, plus Unicode punctuation categories.
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isChineseChar(r rune) bool {
	// CJK Unified Ideographs and extension ranges.
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
