package chain

import (
	"encoding/hex"
	"fmt"
	"unicode"

	"github.com/spacemeshos/starledger/types"
)

// MaxStoryBytes is the maximum size of a star story.
const MaxStoryBytes = 500

var (
	ErrMissingAddress = fmt.Errorf("%w: address is required", types.ErrMalformedInput)
	ErrMissingStar    = fmt.Errorf("%w: star object is required", types.ErrMalformedInput)
	ErrMissingRA      = fmt.Errorf("%w: ra is required", types.ErrMalformedInput)
	ErrMissingDec     = fmt.Errorf("%w: dec is required", types.ErrMalformedInput)
	ErrMissingStory   = fmt.Errorf("%w: story is required", types.ErrMalformedInput)
	ErrStoryTooLong   = fmt.Errorf("%w: story is limited to %d bytes", types.ErrMalformedInput, MaxStoryBytes)
	ErrStoryNotASCII  = fmt.Errorf("%w: story contains non-ASCII symbols", types.ErrMalformedInput)
)

// Star is the registered item.
// Story holds the hex encoding of the ASCII story text; StoryDecoded is
// derived on reads and never persisted.
type Star struct {
	RightAscension string `json:"ra"`
	Declination    string `json:"dec"`
	Magnitude      string `json:"mag,omitempty"`
	Constellation  string `json:"cen,omitempty"`
	Story          string `json:"story"`
	StoryDecoded   string `json:"storyDecoded,omitempty"`
}

// NewStarBody checks a star submitted by address and returns the block
// body with its story hex encoded. star.Story must hold the plain text.
func NewStarBody(address string, star Star) (Body, error) {
	if address == "" {
		return Body{}, ErrMissingAddress
	}
	if err := checkStar(&star, star.Story); err != nil {
		return Body{}, err
	}
	star.Story = hex.EncodeToString([]byte(star.Story))
	star.StoryDecoded = ""
	return Body{Address: address, Star: &star}, nil
}

func checkStar(star *Star, story string) error {
	switch {
	case star.RightAscension == "":
		return ErrMissingRA
	case star.Declination == "":
		return ErrMissingDec
	case story == "":
		return ErrMissingStory
	case len(story) > MaxStoryBytes:
		return ErrStoryTooLong
	}
	for i := 0; i < len(story); i++ {
		if story[i] > unicode.MaxASCII {
			return ErrStoryNotASCII
		}
	}
	return nil
}

// check validates a body before it is appended. Stories are expected to
// be hex encoded already.
func (b Body) check() error {
	if b.IsGenesis() {
		return nil
	}
	if b.Address == "" {
		return ErrMissingAddress
	}
	if b.Star == nil {
		return ErrMissingStar
	}
	story, err := hex.DecodeString(b.Star.Story)
	if err != nil {
		return fmt.Errorf("%w: story is not hex encoded", types.ErrMalformedInput)
	}
	return checkStar(b.Star, string(story))
}
