package keywords

import (
	"errors"
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

var (
	// ErrEmptyKeyword is returned for keywords that normalize to nothing.
	ErrEmptyKeyword = errors.New("keyword is empty")
	// ErrKeywordTooLong is returned when a keyword exceeds the token limit.
	ErrKeywordTooLong = errors.New("keyword exceeds token limit")
)

// Validator enforces the per-keyword token limit embedding backends accept.
type Validator struct {
	codec     tokenizer.Codec
	maxTokens int
}

// NewValidator creates a validator using the cl100k_base encoding.
// maxTokens <= 0 disables the length check.
func NewValidator(maxTokens int) (*Validator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Validator{codec: codec, maxTokens: maxTokens}, nil
}

// Tokens returns the number of tokens in text.
func (v *Validator) Tokens(text string) (int, error) {
	ids, _, err := v.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Validate checks one normalized keyword.
func (v *Validator) Validate(text string) error {
	if text == "" {
		return ErrEmptyKeyword
	}
	if v.maxTokens <= 0 {
		return nil
	}
	n, err := v.Tokens(text)
	if err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}
	if n > v.maxTokens {
		return fmt.Errorf("%w: %d > %d", ErrKeywordTooLong, n, v.maxTokens)
	}
	return nil
}
