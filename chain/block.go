package chain

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/minio/sha256-simd"
)

const genesisNote = "Genesis Block"

// Block is a single entry of the ledger.
// Field order is significant: it defines the canonical serialization
// that the block hash is computed over.
type Block struct {
	Hash              string `json:"hash"`
	Height            uint64 `json:"height"`
	Body              Body   `json:"body"`
	Time              string `json:"time"`
	PreviousBlockHash string `json:"previousBlockHash,omitempty"`
}

// Body is the payload of a block: a star registered by an address.
// The genesis block carries a fixed note instead and is serialized as a
// plain JSON string.
type Body struct {
	Address string `json:"address"`
	Star    *Star  `json:"star"`

	Note string `json:"-"`
}

// GenesisBody returns the body of the block at height 0.
func GenesisBody() Body {
	return Body{Note: genesisNote}
}

func (b Body) IsGenesis() bool {
	return b.Note != ""
}

func (b Body) MarshalJSON() ([]byte, error) {
	if b.IsGenesis() {
		return marshalCanonical(b.Note)
	}
	type plain Body
	return marshalCanonical(plain(b))
}

func (b *Body) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var note string
		if err := json.Unmarshal(data, &note); err != nil {
			return err
		}
		if note == "" {
			return errors.New("empty genesis note")
		}
		*b = Body{Note: note}
		return nil
	}
	type plain Body
	var p plain
	if err := decodeStrict(data, &p); err != nil {
		return err
	}
	*b = Body(p)
	return nil
}

// clone returns a deep copy of the block without derived fields.
func (b *Block) clone() *Block {
	c := *b
	if b.Body.Star != nil {
		star := *b.Body.Star
		star.StoryDecoded = ""
		c.Body.Star = &star
	}
	return &c
}

// computeHash returns the hex encoded SHA-256 of the canonical
// serialization of the block with its hash cleared.
func (b *Block) computeHash() (string, error) {
	c := b.clone()
	c.Hash = ""
	data, err := marshalCanonical(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (b *Block) encode() ([]byte, error) {
	return marshalCanonical(b.clone())
}

// decodeStory attaches the decoded story. The genesis block has none.
func (b *Block) decodeStory() error {
	if b.Height == 0 || b.Body.Star == nil {
		return nil
	}
	story, err := hex.DecodeString(b.Body.Star.Story)
	if err != nil {
		return fmt.Errorf("decoding story of block %d: %w", b.Height, err)
	}
	b.Body.Star.StoryDecoded = string(story)
	return nil
}

func decodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := decodeStrict(data, &b); err != nil {
		return nil, err
	}
	switch {
	case b.Hash == "":
		return nil, errors.New("block has no hash")
	case b.Time == "":
		return nil, errors.New("block has no time")
	}
	return &b, nil
}

func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after the record")
	}
	return nil
}
